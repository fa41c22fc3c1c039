// Package session keeps an in-memory catalog of chat sessions backed by
// durable history storage. Every mutation writes through to the store
// before the cache acknowledges it, so a crash never loses acknowledged
// history; the cache only ever trails an external writer, never the
// store itself.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"nexus-chat/internal/history"
)

// Registry is the single mutation path for session state. All methods
// are safe for concurrent use; reads return copies so callers never
// observe a cached session mid-update.
type Registry struct {
	mu           sync.Mutex
	store        *history.Store
	sessions     map[string]*history.Session
	systemPrompt string
	logger       *slog.Logger
}

// NewRegistry creates a registry over the given store. systemPrompt is
// applied to sessions created through GetOrCreate.
func NewRegistry(store *history.Store, systemPrompt string, logger *slog.Logger) *Registry {
	return &Registry{
		store:        store,
		sessions:     make(map[string]*history.Session),
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// Load reconciles the cache with the store. Call it once at startup;
// it replaces any cached state wholesale.
func (r *Registry) Load() error {
	sessions, err := r.store.ListSessions(false)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions = make(map[string]*history.Session, len(sessions))
	for _, s := range sessions {
		full, err := r.store.GetSession(s.ID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", s.ID, err)
		}
		r.sessions[s.ID] = full
	}

	r.logger.Info("session registry loaded", "sessions", len(r.sessions))
	return nil
}

// GetOrCreate returns the most recently updated active session bound to
// model, creating and persisting one if none exists.
func (r *Registry) GetOrCreate(model string) (*history.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *history.Session
	for _, s := range r.sessions {
		if !s.Active || s.Model != model {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best != nil {
		return copySession(best), nil
	}

	sess := history.NewSession(model)
	sess.SystemPrompt = r.systemPrompt
	if err := r.store.SaveSession(sess); err != nil {
		return nil, err
	}
	r.sessions[sess.ID] = sess

	r.logger.Info("session created", "session", sess.ID, "model", model)
	return copySession(sess), nil
}

// Get returns a session by ID, falling back to the store on a cache
// miss so sessions written by a previous process remain reachable.
func (r *Registry) Get(id string) (*history.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id string) (*history.Session, error) {
	if s, ok := r.sessions[id]; ok {
		return copySession(s), nil
	}

	s, err := r.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	return copySession(s), nil
}

// List returns sessions ordered most-recently-updated first, straight
// from the store (the authoritative ordering).
func (r *Registry) List(activeOnly bool) ([]*history.Session, error) {
	return r.store.ListSessions(activeOnly)
}

// SetModel rebinds a session to a different model.
func (r *Registry) SetModel(id, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(id); err != nil {
		return err
	}
	cached := r.sessions[id]

	updated := copySession(cached)
	updated.Model = model
	updated.Touch()
	if err := r.store.SaveSession(updated); err != nil {
		return err
	}

	cached.Model = updated.Model
	cached.UpdatedAt = updated.UpdatedAt
	r.logger.Info("session model changed", "session", id, "model", model)
	return nil
}

// Deactivate soft-deletes a session. History is preserved; the session
// just disappears from active listings.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(id); err != nil {
		return err
	}
	cached := r.sessions[id]

	updated := copySession(cached)
	updated.Active = false
	updated.Touch()
	if err := r.store.SaveSession(updated); err != nil {
		return err
	}

	cached.Active = false
	cached.UpdatedAt = updated.UpdatedAt
	r.logger.Info("session deactivated", "session", id)
	return nil
}

// AppendMessage persists a new message and attaches it to the cached
// session, bumping the session's updated_at.
func (r *Registry) AppendMessage(sessionID string, m *history.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(sessionID); err != nil {
		return err
	}
	cached := r.sessions[sessionID]

	if err := r.store.SaveMessage(m); err != nil {
		return err
	}
	cached.Messages = append(cached.Messages, *m)

	cached.Touch()
	if err := r.store.SaveSession(cached); err != nil {
		return err
	}
	return nil
}

// UpdateMessage persists a changed message (streaming content growth,
// status transitions) and refreshes the cached copy.
func (r *Registry) UpdateMessage(sessionID string, m *history.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(sessionID); err != nil {
		return err
	}
	cached := r.sessions[sessionID]

	if err := r.store.SaveMessage(m); err != nil {
		return err
	}
	for i := range cached.Messages {
		if cached.Messages[i].ID == m.ID {
			cached.Messages[i] = *m
			break
		}
	}

	cached.Touch()
	return r.store.SaveSession(cached)
}

func copySession(s *history.Session) *history.Session {
	out := *s
	out.Messages = make([]history.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
