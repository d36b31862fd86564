// Package dispatch intercepts tool-call directives on the upstream stream and
// drives the inquiry capture flow. Only two tool names are recognized; anything
// else passes through untouched for the browser to handle.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
	"github.com/veralis/intake-gateway/pkg/gateway/protocol"
)

const (
	ToolPreviewInquiry = "previewInquiry"
	ToolSubmitInquiry  = "submitInquiry"
)

// Outcome is what the relay does after a directive is handled.
type Outcome struct {
	// Replies are synthetic tool-result envelopes to send upstream.
	Replies []protocol.Envelope
	// Notices are envelopes for the browser describing what happened
	// (preview ready, confirmed, duplicate, error).
	Notices []protocol.Envelope
	// SeverCapture tells the relay to stop forwarding microphone audio:
	// a submit has begun and the conversation is over.
	SeverCapture bool
}

// Dispatcher routes recognized tool calls into the capture machine.
type Dispatcher struct {
	machine  *inquiry.Machine
	identity inquiry.Identity
	logger   *slog.Logger
}

func New(machine *inquiry.Machine, id inquiry.Identity, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{machine: machine, identity: id, logger: logger}
}

// Recognizes reports whether the gateway owns this tool name.
func Recognizes(name string) bool {
	return name == ToolPreviewInquiry || name == ToolSubmitInquiry
}

// Handle processes every recognized call in the envelope. Unrecognized calls
// are left for the caller to forward. The envelope's calls are gathered from
// both the top-level and server-content locations.
func (d *Dispatcher) Handle(ctx context.Context, env protocol.Envelope) Outcome {
	var out Outcome
	for _, call := range env.FunctionCalls() {
		switch call.Name {
		case ToolPreviewInquiry:
			d.handlePreview(call, &out)
		case ToolSubmitInquiry:
			d.handleSubmit(ctx, call, &out)
		}
	}
	return out
}

func (d *Dispatcher) handlePreview(call protocol.FunctionCall, out *Outcome) {
	draft := draftFromArgs(call.Args)
	if err := d.machine.Preview(draft); err != nil {
		d.logger.Warn("inquiry preview rejected", "error", err)
		out.Replies = append(out.Replies, protocol.NewToolError(call.ID, call.Name, err.Error()))
		out.Notices = append(out.Notices, noticeEnvelope("inquiry.preview_failed", map[string]any{
			"message": err.Error(),
		}))
		return
	}
	d.logger.Info("inquiry drafted", "company", draft.Company)
	out.Replies = append(out.Replies, protocol.NewToolSuccess(call.ID, call.Name))
	out.Notices = append(out.Notices, noticeEnvelope("inquiry.preview", map[string]any{
		"name":       draft.Name,
		"company":    draft.Company,
		"email":      draft.Email,
		"challenges": draft.Challenges,
		"summary":    draft.Summary,
	}))
}

func (d *Dispatcher) handleSubmit(ctx context.Context, call protocol.FunctionCall, out *Outcome) {
	// The conversation ends the moment a submit is attempted, whatever the
	// outcome; no more microphone audio goes upstream.
	out.SeverCapture = true

	receipt, err := d.machine.Submit(ctx, d.identity, draftFromArgs(call.Args))
	switch {
	case err == nil:
		d.logger.Info("inquiry confirmed", "record_id", receipt.RecordID, "kind", receipt.Kind)
		out.Replies = append(out.Replies, protocol.NewToolSuccess(call.ID, call.Name))
		out.Notices = append(out.Notices, noticeEnvelope("inquiry.confirmed", map[string]any{
			"recordId": receipt.RecordID,
			"kind":     string(receipt.Kind),
		}))
	case errors.Is(err, inquiry.ErrConflict):
		d.logger.Info("inquiry rejected as duplicate", "identity", d.identity.Key())
		out.Replies = append(out.Replies, protocol.NewToolError(call.ID, call.Name,
			"an inquiry already exists for this contact"))
		out.Notices = append(out.Notices, noticeEnvelope("inquiry.duplicate", map[string]any{
			"message": "We already have an inquiry on file for you. We'll be in touch soon.",
		}))
	case errors.Is(err, inquiry.ErrSubmitTimeout):
		d.logger.Warn("inquiry submit timed out")
		out.Replies = append(out.Replies, protocol.NewToolError(call.ID, call.Name,
			"saving the inquiry took too long"))
		out.Notices = append(out.Notices, noticeEnvelope("inquiry.error", map[string]any{
			"message": "Saving is taking longer than expected. Please try again.",
			"timeout": true,
		}))
	default:
		d.logger.Error("inquiry submit failed", "error", err)
		out.Replies = append(out.Replies, protocol.NewToolError(call.ID, call.Name, err.Error()))
		out.Notices = append(out.Notices, noticeEnvelope("inquiry.error", map[string]any{
			"message": "Something went wrong while saving your inquiry.",
		}))
	}
}

// noticeEnvelope wraps a gateway-originated status update in a server-content
// frame so the browser consumes it on the same channel as model output.
func noticeEnvelope(kind string, payload map[string]any) protocol.Envelope {
	body := map[string]any{"kind": kind}
	for k, v := range payload {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return protocol.Envelope{ServerContent: &protocol.ServerContent{
		ModelTurn: &protocol.Content{
			Role:  "system",
			Parts: []protocol.Part{{Text: string(data)}},
		},
	}}
}

func draftFromArgs(args map[string]any) inquiry.Draft {
	return inquiry.Draft{
		Name:       stringArg(args, "name"),
		Company:    stringArg(args, "company"),
		Email:      stringArg(args, "email"),
		Challenges: stringArg(args, "challenges"),
		Transcript: stringArg(args, "transcript"),
		Summary:    stringArg(args, "summary"),
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
