// Package chat orchestrates message exchange between sessions and the
// inference server: it streams model output to a caller-supplied sink,
// persists both sides of every exchange, and enforces that each session
// runs at most one generation at a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nexus-chat/internal/history"
	"nexus-chat/internal/ollama"
	"nexus-chat/internal/session"
	"nexus-chat/internal/stream"
)

// Inference is the client contract the engine generates through.
// *ollama.Client satisfies it; tests substitute fakes.
type Inference interface {
	Stream(ctx context.Context, model string, messages []ollama.Message, opts *ollama.Options, fn func(ollama.Fragment)) error
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Sink receives aggregated fragments during streaming. It is called
// synchronously from the streaming goroutine: a sink that blocks stalls
// the stream, which is the backpressure contract.
type Sink func(text string)

// Config tunes engine behavior. Zero values select defaults.
type Config struct {
	// RequestTimeout bounds a whole generation, time-to-first-fragment
	// included. Zero means unbounded.
	RequestTimeout time.Duration

	// BufferSize and FlushInterval configure fragment aggregation.
	BufferSize    int
	FlushInterval time.Duration

	// Options are generation parameters passed through to the server.
	Options *ollama.Options
}

// Engine coordinates sessions, the inference client, and durable
// history. Sessions generate independently: the engine serializes
// generations per session, never across sessions.
type Engine struct {
	registry *session.Registry
	client   Inference
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewEngine creates an engine. All collaborators are injected; the
// engine holds no global state.
func NewEngine(registry *session.Registry, client Inference, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// SendMessage sends the user's text to the session's model, streaming
// aggregated fragments to sink, and returns the final assistant message.
//
// Structural failures (unknown session, no model, a generation already
// in flight) return an error and persist nothing. Once the user message
// is stored, the call always yields exactly one persisted assistant
// message: streaming failures, timeouts, and cancellation are recorded
// on that message as status=error with the partial content preserved,
// and the message is returned without an error so history and return
// value agree.
func (e *Engine) SendMessage(ctx context.Context, sessionID, text string, sink Sink) (*history.Message, error) {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Model == "" {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoModelSelected)
	}
	if sink == nil {
		sink = func(string) {}
	}

	genCtx, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.release(sessionID)

	e.logger.Info("sending message", "session", sessionID, "model", sess.Model, "chars", len(text))

	// The user's input is durable before the first fragment is
	// requested, so it survives even an immediate generation failure.
	userMsg := history.NewMessage(sessionID, history.RoleUser, text, history.StatusComplete)
	userMsg.Model = sess.Model
	if err := e.registry.AppendMessage(sessionID, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	assistant := history.NewMessage(sessionID, history.RoleAssistant, "", history.StatusPending)
	assistant.Model = sess.Model
	assistant.ParentID = userMsg.ID

	var (
		acc       strings.Builder
		sawFinal  bool
		persisted bool
	)
	agg := stream.New(sink, e.cfg.BufferSize, e.cfg.FlushInterval)

	streamErr := e.client.Stream(genCtx, sess.Model, buildPrompt(sess, text), e.cfg.Options, func(f ollama.Fragment) {
		if f.Final {
			sawFinal = true
			return
		}
		if !persisted {
			// One row, created on the first fragment; content grows in
			// memory only, to avoid a write per fragment.
			assistant.Status = history.StatusStreaming
			if err := e.registry.AppendMessage(sessionID, assistant); err != nil {
				e.logger.Warn("create streaming message failed", "session", sessionID, "error", err)
			}
			persisted = true
		}
		acc.WriteString(f.Text)
		agg.Push(f.Text)
	})

	// Flush on close: whatever reached us reaches the sink.
	agg.Close()

	assistant.Content = acc.String()
	e.finalize(assistant, sawFinal, streamErr)

	var saveErr error
	if persisted {
		saveErr = e.registry.UpdateMessage(sessionID, assistant)
	} else {
		saveErr = e.registry.AppendMessage(sessionID, assistant)
	}
	if saveErr != nil {
		// In-memory state is intact; the caller may retry the save.
		return assistant, fmt.Errorf("persist assistant message: %w", saveErr)
	}

	e.logger.Info("message complete",
		"session", sessionID,
		"status", assistant.Status,
		"chars", len(assistant.Content),
	)
	return assistant, nil
}

// finalize resolves the assistant message's terminal status from how
// the stream ended.
func (e *Engine) finalize(m *history.Message, sawFinal bool, streamErr error) {
	switch {
	case streamErr == nil && sawFinal:
		m.Status = history.StatusComplete

	case streamErr == nil:
		// Early end of sequence: the server closed the connection
		// before the terminal marker.
		m.Status = history.StatusError
		m.Error = "connection closed before response completed"

	case errors.Is(streamErr, context.Canceled):
		m.Status = history.StatusError
		m.Error = CancelledReason

	case errors.Is(streamErr, context.DeadlineExceeded):
		m.Status = history.StatusError
		m.Error = fmt.Sprintf("generation timed out after %s", e.cfg.RequestTimeout)

	default:
		m.Status = history.StatusError
		m.Error = streamErr.Error()
	}

	if m.Status == history.StatusError {
		e.logger.Warn("generation failed",
			"session", m.SessionID,
			"reason", m.Error,
			"partial_chars", len(m.Content),
		)
	}
}

// Cancel aborts an in-flight generation for the session. The partial
// content is persisted with status=error, reason "cancelled", by the
// SendMessage call being cancelled. Returns false if nothing was in
// flight.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Generating reports whether the session has a generation in flight.
func (e *Engine) Generating(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[sessionID]
	return ok
}

// ListModels returns the inference server's model catalog.
func (e *Engine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

// acquire takes the session's generation slot, or fails with
// ErrAlreadyGenerating. The returned context is cancelled by Cancel,
// by the caller's ctx, or by the configured timeout.
func (e *Engine) acquire(ctx context.Context, sessionID string) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inflight[sessionID]; busy {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyGenerating)
	}

	var genCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.RequestTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
	} else {
		genCtx, cancel = context.WithCancel(ctx)
	}
	e.inflight[sessionID] = cancel
	return genCtx, nil
}

// release frees the session's generation slot unconditionally, so the
// session is Idle again whatever happened during streaming.
func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	cancel := e.inflight[sessionID]
	delete(e.inflight, sessionID)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// buildPrompt assembles the wire messages for a generation: the
// session's system prompt, the completed exchange history, then the new
// user text. Errored turns are left out of the context window.
func buildPrompt(sess *history.Session, text string) []ollama.Message {
	var msgs []ollama.Message
	if sess.SystemPrompt != "" {
		msgs = append(msgs, ollama.Message{Role: history.RoleSystem, Content: sess.SystemPrompt})
	}
	for _, m := range sess.Messages {
		if m.Status != history.StatusComplete {
			continue
		}
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ollama.Message{Role: history.RoleUser, Content: text})
	return msgs
}
