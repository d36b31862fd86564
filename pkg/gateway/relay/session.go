package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veralis/intake-gateway/pkg/gateway/dispatch"
	"github.com/veralis/intake-gateway/pkg/gateway/playback"
	"github.com/veralis/intake-gateway/pkg/gateway/protocol"
)

// Conn is the slice of *websocket.Conn both sides of the bridge use. Tests
// substitute in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens the upstream realtime socket.
type DialFunc func(ctx context.Context) (Conn, error)

type SessionParams struct {
	ID         string
	Client     Conn
	Dial       DialFunc
	Dispatcher *dispatch.Dispatcher
	Scheduler  *playback.Scheduler
	Logger     *slog.Logger
	Config     Config
}

// Session is one live bridge: browser on one side, realtime model on the
// other. Frames from the browser are validated and forwarded; frames from the
// model are inspected for tool calls and interruptions before forwarding.
type Session struct {
	id         string
	client     Conn
	dial       DialFunc
	dispatcher *dispatch.Dispatcher
	scheduler  *playback.Scheduler
	logger     *slog.Logger
	cfg        Config

	clientMu sync.Mutex // serializes client writes

	upMu     sync.Mutex
	upstream Conn
	pending  [][]byte // frames queued before the upstream opened, FIFO
	upClosed bool

	// upWriteMu serializes upstream data writes: the websocket allows one
	// concurrent writer, and holding it across the buffered flush keeps live
	// frames from overtaking queued ones.
	upWriteMu sync.Mutex

	severed atomic.Bool

	framesIn  atomic.Int64
	framesOut atomic.Int64
	clipSeq   atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(p SessionParams) *Session {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Config.WriteTimeout <= 0 {
		p.Config.WriteTimeout = 5 * time.Second
	}
	if p.Config.MaxFrameBytes <= 0 {
		p.Config.MaxFrameBytes = 1 << 20
	}
	if p.Config.MaxFramesPerSession <= 0 {
		p.Config.MaxFramesPerSession = 1000
	}
	return &Session{
		id:         p.ID,
		client:     p.Client,
		dial:       p.Dial,
		dispatcher: p.Dispatcher,
		scheduler:  p.Scheduler,
		logger:     p.Logger,
		cfg:        p.Config,
		done:       make(chan struct{}),
	}
}

// Run bridges until either side closes, the frame budget is exhausted, or the
// context is canceled. Blocks for the life of the session.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.connectUpstream(ctx, cancel)
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(ctx)
	}
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown(websocket.CloseGoingAway, "session canceled")
		case <-s.done:
		}
	}()

	s.clientLoop(cancel)
	<-s.done
}

func (s *Session) FramesIn() int64  { return s.framesIn.Load() }
func (s *Session) FramesOut() int64 { return s.framesOut.Load() }

// Notify pushes a gateway status frame to the browser (drain warnings etc).
func (s *Session) Notify(code, message string) error {
	body, _ := json.Marshal(map[string]any{"kind": "gateway." + code, "message": message})
	env := protocol.Envelope{ServerContent: &protocol.ServerContent{
		ModelTurn: &protocol.Content{Role: "system", Parts: []protocol.Part{{Text: string(body)}}},
	}}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.writeClient(data)
}

// pingLoop keeps the browser socket alive through idle stretches; proxies
// and load balancers reap quiet connections otherwise. Control frames may be
// written concurrently with data frames, so no write lock is needed.
func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// clientLoop reads browser frames. Violations of the frame contract are
// dropped silently; only the frame budget tears the session down. The bridge
// is JSON-text only: binary frames carry no meaning upstream and are dropped
// whatever their size.
func (s *Session) clientLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			s.propagateToUpstream(err)
			return
		}

		n := s.framesIn.Add(1)
		if n > int64(s.cfg.MaxFramesPerSession) {
			s.logger.Warn("session frame budget exhausted", "frames", n)
			s.shutdown(websocket.ClosePolicyViolation, "session frame budget exhausted")
			return
		}

		if mt != websocket.TextMessage {
			continue
		}
		if int64(len(data)) > s.cfg.MaxFrameBytes {
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if s.severed.Load() && env.Kind() == protocol.KindAudioChunk {
			// Submit has begun; the microphone is dead to us.
			continue
		}

		if err := s.sendUpstream(data); err != nil {
			s.logger.Warn("upstream write failed", "error", err)
			s.shutdown(websocket.CloseInternalServerErr, "upstream write failed")
			return
		}
	}
}

func (s *Session) connectUpstream(ctx context.Context, cancel context.CancelFunc) {
	if s.dial == nil {
		s.logger.Error("no upstream dialer configured")
		s.shutdown(websocket.CloseInternalServerErr, "upstream unavailable")
		cancel()
		return
	}
	up, err := s.dial(ctx)
	if err != nil {
		s.logger.Error("upstream dial failed", "error", err)
		s.shutdown(websocket.CloseInternalServerErr, "upstream unavailable")
		cancel()
		return
	}

	// Publish the socket and flush under the write lock. A frame accepted
	// mid-flush blocks in sendUpstream instead of interleaving with the
	// buffered sequence.
	s.upWriteMu.Lock()
	s.upMu.Lock()
	if s.upClosed {
		s.upMu.Unlock()
		s.upWriteMu.Unlock()
		up.Close()
		return
	}
	s.upstream = up
	queued := s.pending
	s.pending = nil
	s.upMu.Unlock()

	for _, frame := range queued {
		if err := s.writeConn(up, frame); err != nil {
			s.upWriteMu.Unlock()
			s.logger.Warn("upstream flush failed", "error", err)
			s.shutdown(websocket.CloseInternalServerErr, "upstream write failed")
			cancel()
			return
		}
	}
	s.upWriteMu.Unlock()
	if len(queued) > 0 {
		s.logger.Debug("flushed buffered frames to upstream", "count", len(queued))
	}

	s.upstreamLoop(ctx, up, cancel)
}

// upstreamLoop reads model frames, intercepts the directives the gateway
// owns, and forwards the rest to the browser.
func (s *Session) upstreamLoop(ctx context.Context, up Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			s.propagateToClient(err)
			return
		}
		if mt != websocket.TextMessage {
			// The upstream speaks JSON text frames; pass anything else through.
			if err := s.writeClientRaw(mt, data); err != nil {
				return
			}
			continue
		}

		env, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			// Not ours to police: forward verbatim.
			if err := s.writeClient(data); err != nil {
				return
			}
			continue
		}

		if env.Kind() == protocol.KindInterrupted {
			stopped := s.scheduler.Interrupt()
			s.logger.Debug("playback interrupted", "stopped_clips", len(stopped))
		}
		s.scheduleAudio(env)

		forward := true
		if s.dispatcher != nil {
			out := s.dispatcher.Handle(ctx, env)
			if out.SeverCapture {
				s.severed.Store(true)
			}
			for _, reply := range out.Replies {
				frame, err := protocol.Encode(reply)
				if err != nil {
					continue
				}
				if err := s.sendUpstream(frame); err != nil {
					s.logger.Warn("tool reply write failed", "error", err)
					return
				}
			}
			for _, notice := range out.Notices {
				frame, err := protocol.Encode(notice)
				if err != nil {
					continue
				}
				if err := s.writeClient(frame); err != nil {
					return
				}
			}
			// A bare tool-call frame that the gateway fully handled carries
			// nothing the browser needs.
			if len(out.Replies) > 0 && env.Kind() == protocol.KindToolCall && allRecognized(env) {
				forward = false
			}
		}

		if forward {
			if err := s.writeClient(data); err != nil {
				return
			}
		}
	}
}

func allRecognized(env protocol.Envelope) bool {
	for _, call := range env.FunctionCalls() {
		if !dispatch.Recognizes(call.Name) {
			return false
		}
	}
	return true
}

// scheduleAudio tracks generated audio clips so an interruption knows what is
// in flight and the watermark stays honest.
func (s *Session) scheduleAudio(env protocol.Envelope) {
	if s.scheduler == nil {
		return
	}
	for _, blob := range env.InlineAudio() {
		rate := pcmRate(blob.MimeType)
		if rate <= 0 {
			continue
		}
		nbytes := base64.StdEncoding.DecodedLen(len(blob.Data))
		d := playback.PCMDuration(nbytes, rate, 1)
		id := fmt.Sprintf("%s_clip_%d", s.id, s.clipSeq.Add(1))
		s.scheduler.Schedule(id, d)
	}
}

// pcmRate parses the sample rate from a mime like "audio/pcm;rate=24000".
func pcmRate(mime string) int {
	for _, part := range strings.Split(mime, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "rate="); ok {
			rate, err := strconv.Atoi(rest)
			if err != nil {
				return 0
			}
			return rate
		}
	}
	return 0
}

// sendUpstream writes a frame, or queues it if the upstream is still dialing.
func (s *Session) sendUpstream(data []byte) error {
	s.upMu.Lock()
	if s.upClosed {
		s.upMu.Unlock()
		return errors.New("upstream is closed")
	}
	if s.upstream == nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.pending = append(s.pending, buf)
		s.upMu.Unlock()
		return nil
	}
	up := s.upstream
	s.upMu.Unlock()

	s.upWriteMu.Lock()
	defer s.upWriteMu.Unlock()
	return s.writeConn(up, data)
}

func (s *Session) writeConn(c Conn, data []byte) error {
	if err := c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writeClient(data []byte) error {
	return s.writeClientRaw(websocket.TextMessage, data)
}

func (s *Session) writeClientRaw(mt int, data []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if err := s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := s.client.WriteMessage(mt, data); err != nil {
		return err
	}
	s.framesOut.Add(1)
	return nil
}

// propagateToUpstream mirrors a client-side close onto the upstream socket.
func (s *Session) propagateToUpstream(err error) {
	code, reason := closeDiagnostic(err, "browser")
	s.logger.Info("client closed", "code", code, "reason", reason)
	s.shutdown(code, reason)
}

// propagateToClient mirrors an upstream close onto the browser socket, with a
// diagnostic reason so the page can explain itself.
func (s *Session) propagateToClient(err error) {
	code, reason := closeDiagnostic(err, "upstream")
	s.logger.Info("upstream closed", "code", code, "reason", reason)
	s.shutdown(code, reason)
}

// closeDiagnostic maps a read error to the close code and reason relayed to
// the peer. Normal closes keep their code; everything else becomes 1011.
func closeDiagnostic(err error, side string) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason := ce.Text
		if reason == "" {
			reason = side + " closed the connection"
		}
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return ce.Code, reason
		default:
			return websocket.CloseInternalServerErr, fmt.Sprintf("%s closed abnormally (%d): %s", side, ce.Code, reason)
		}
	}
	return websocket.CloseInternalServerErr, side + " connection failed"
}

// shutdown closes both legs exactly once, sending each peer a close frame
// carrying the diagnostic.
func (s *Session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)

		s.clientMu.Lock()
		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.client.Close()
		s.clientMu.Unlock()

		s.upMu.Lock()
		up := s.upstream
		s.upClosed = true
		s.pending = nil
		s.upMu.Unlock()
		if up != nil {
			_ = up.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = up.Close()
		}

		close(s.done)
	})
}
