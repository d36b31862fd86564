// Package protocol defines the single tagged envelope both the chat and voice
// transports speak. An envelope carries exactly one variant; which variant is
// determined by which top-level key is present.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindSetup            Kind = "setup"
	KindAudioChunk       Kind = "audioChunk"
	KindToolResponse     Kind = "toolResponse"
	KindGeneratedContent Kind = "generatedContent"
	KindToolCall         Kind = "toolCall"
	KindInterrupted      Kind = "interrupted"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Setup is the session handshake the browser sends first: model, generation
// options, the system instruction, and the tool declarations the model may call.
type Setup struct {
	Model             string           `json:"model"`
	GenerationConfig  *GenerationConf  `json:"generationConfig,omitempty"`
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclSet    `json:"tools,omitempty"`
}

type GenerationConf struct {
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConf  `json:"speechConfig,omitempty"`
	Temperature        *float64     `json:"temperature,omitempty"`
}

type SpeechConf struct {
	VoiceName string `json:"voiceName,omitempty"`
}

type ToolDeclSet struct {
	FunctionDeclarations []FunctionDecl `json:"functionDeclarations,omitempty"`
}

type FunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RealtimeInput carries microphone audio from the browser: base64 PCM chunks
// at a fixed sample rate.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks,omitempty"`
}

type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolResponse is the browser's (or the gateway's synthetic) answer to a
// previously issued tool call.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ServerContent wraps generated model output: inline audio/text parts, a
// turn-completion flag, an interruption flag, and possibly a nested tool call.
type ServerContent struct {
	ModelTurn    *Content  `json:"modelTurn,omitempty"`
	TurnComplete bool      `json:"turnComplete,omitempty"`
	Interrupted  bool      `json:"interrupted,omitempty"`
	ToolCall     *ToolCall `json:"toolCall,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Envelope is the closed variant set. Exactly one field is non-nil after a
// successful decode (Interrupted rides inside ServerContent upstream but is
// also accepted as a bare top-level flag from older clients).
type Envelope struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	ToolCall      *ToolCall      `json:"toolCall,omitempty"`
	Interrupted   *bool          `json:"interrupted,omitempty"`
}

func (e Envelope) Kind() Kind {
	switch {
	case e.Setup != nil:
		return KindSetup
	case e.RealtimeInput != nil:
		return KindAudioChunk
	case e.ToolResponse != nil:
		return KindToolResponse
	case e.ToolCall != nil:
		return KindToolCall
	case e.Interrupted != nil:
		return KindInterrupted
	case e.ServerContent != nil:
		if e.ServerContent.Interrupted {
			return KindInterrupted
		}
		return KindGeneratedContent
	default:
		return ""
	}
}

// FunctionCalls collects tool-call directives wherever the upstream put them:
// top level or nested inside the server-content wrapper. Both locations must
// be checked on every envelope.
func (e Envelope) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	if e.ToolCall != nil {
		calls = append(calls, e.ToolCall.FunctionCalls...)
	}
	if e.ServerContent != nil && e.ServerContent.ToolCall != nil {
		calls = append(calls, e.ServerContent.ToolCall.FunctionCalls...)
	}
	return calls
}

// InlineAudio returns the base64 payloads of audio parts in generated content,
// in arrival order.
func (e Envelope) InlineAudio() []Blob {
	if e.ServerContent == nil || e.ServerContent.ModelTurn == nil {
		return nil
	}
	var blobs []Blob
	for _, p := range e.ServerContent.ModelTurn.Parts {
		if p.InlineData == nil {
			continue
		}
		if !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			continue
		}
		blobs = append(blobs, *p.InlineData)
	}
	return blobs
}

// Decode parses one frame. The frame must be a JSON object carrying exactly
// one recognized variant key.
func Decode(data []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, badRequest("frame is not a json object", "")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, badRequest("invalid envelope", "")
	}

	variants := 0
	for _, key := range []string{"setup", "realtimeInput", "toolResponse", "serverContent", "toolCall", "interrupted"} {
		if _, ok := probe[key]; ok {
			variants++
		}
	}
	if variants == 0 {
		return Envelope{}, badRequest("unrecognized envelope variant", "")
	}
	if variants > 1 {
		return Envelope{}, badRequest("envelope must carry exactly one variant", "")
	}

	switch env.Kind() {
	case KindSetup:
		if strings.TrimSpace(env.Setup.Model) == "" {
			return Envelope{}, badRequest("setup.model is required", "setup.model")
		}
	case KindAudioChunk:
		if len(env.RealtimeInput.MediaChunks) == 0 {
			return Envelope{}, badRequest("realtimeInput.mediaChunks must not be empty", "realtimeInput.mediaChunks")
		}
		for i, chunk := range env.RealtimeInput.MediaChunks {
			if strings.TrimSpace(chunk.Data) == "" {
				return Envelope{}, badRequest("media chunk data is required", fmt.Sprintf("realtimeInput.mediaChunks[%d].data", i))
			}
		}
	case KindToolResponse:
		for i, resp := range env.ToolResponse.FunctionResponses {
			if strings.TrimSpace(resp.Name) == "" {
				return Envelope{}, badRequest("function response name is required", fmt.Sprintf("toolResponse.functionResponses[%d].name", i))
			}
		}
	case KindToolCall:
		for i, call := range env.ToolCall.FunctionCalls {
			if strings.TrimSpace(call.Name) == "" {
				return Envelope{}, badRequest("function call name is required", fmt.Sprintf("toolCall.functionCalls[%d].name", i))
			}
		}
	}

	return env, nil
}

// Encode renders an envelope back to one wire frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Kind() == "" {
		return nil, badRequest("envelope carries no variant", "")
	}
	return json.Marshal(env)
}

// NewToolSuccess builds the synthetic "tool result: success" envelope the
// gateway forwards upstream after handling a directive.
func NewToolSuccess(id, name string) Envelope {
	return Envelope{ToolResponse: &ToolResponse{
		FunctionResponses: []FunctionResponse{{
			ID:       id,
			Name:     name,
			Response: map[string]any{"result": "success"},
		}},
	}}
}

// NewToolError builds the synthetic "tool result: error" envelope carrying a
// human-readable message.
func NewToolError(id, name, message string) Envelope {
	return Envelope{ToolResponse: &ToolResponse{
		FunctionResponses: []FunctionResponse{{
			ID:       id,
			Name:     name,
			Response: map[string]any{"error": message},
		}},
	}}
}
