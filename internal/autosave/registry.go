package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionNotFound indicates an unknown session id.
var ErrSessionNotFound = errors.New("autosave: session not found")

// RegistryConfig holds the defaults applied to every session the registry opens.
type RegistryConfig struct {
	Committer Committer
	Debounce  time.Duration
	AfterFunc AfterFunc
	Clock     func() time.Time
	Logger    *zap.Logger
	NewID     func() (string, error)
}

// OpenRequest describes the editing context of a new session.
type OpenRequest struct {
	DocumentID string
	UserID     string
	Title      string
	Content    json.RawMessage
	UpdatedAt  time.Time
}

// Registry tracks open sessions by id.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.NewID == nil {
		cfg.NewID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Registry{cfg: cfg, sessions: make(map[string]*Session)}
}

// Open starts a session for request.UserID on request.DocumentID.
func (r *Registry) Open(request OpenRequest) (*Session, error) {
	sessionID, err := r.cfg.NewID()
	if err != nil {
		return nil, err
	}
	session, err := NewSession(SessionConfig{
		SessionID:  sessionID,
		DocumentID: request.DocumentID,
		UserID:     request.UserID,
		Title:      request.Title,
		Content:    request.Content,
		UpdatedAt:  request.UpdatedAt,
		Debounce:   r.cfg.Debounce,
		Committer:  r.cfg.Committer,
		AfterFunc:  r.cfg.AfterFunc,
		Clock:      r.cfg.Clock,
		Logger:     r.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()
	r.cfg.Logger.Debug("autosave session opened",
		zap.String("session_id", sessionID),
		zap.String("document_id", request.DocumentID),
		zap.String("user_id", request.UserID))
	return session, nil
}

// Get returns the open session with sessionID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Close removes the session. With flush set, unsaved edits are saved first.
func (r *Registry) Close(ctx context.Context, sessionID string, flush bool) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if flush {
		return session.SaveAndClose(ctx)
	}
	session.Close()
	return nil
}

// CloseAll closes every session without saving.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
