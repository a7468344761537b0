// Package autosave synchronizes an editing session's local state to durable storage through
// a debounced commit loop.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last edit before a commit starts.
const DefaultDebounce = 2 * time.Second

const eventBuffer = 32

var (
	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("autosave: session closed")
	// ErrInvalidSession indicates a session configuration missing required fields.
	ErrInvalidSession = errors.New("autosave: invalid session")

	noOpLogger = zap.NewNop()
)

// State is a session's position in the autosave state machine.
type State int

const (
	StateIdle State = iota
	StateDirty
	StateSaving
	StateError
)

func (s State) String() string {
	switch s {
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Committer persists one save of a session.
type Committer interface {
	SaveDocument(ctx context.Context, request documents.SaveRequest) (documents.SaveResult, error)
}

// Timer is a pending debounce callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d. time.AfterFunc satisfies it through StdAfterFunc.
type AfterFunc func(d time.Duration, fn func()) Timer

// StdAfterFunc schedules on the runtime timer.
func StdAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// EventKind names a session notification.
type EventKind string

const (
	EventSaved            EventKind = "saved"
	EventFailed           EventKind = "failed"
	EventChangedElsewhere EventKind = "changed_elsewhere"
)

// Event is a non-blocking session notification. Events are dropped when nobody drains them.
type Event struct {
	Kind          EventKind
	SessionID     string
	DocumentID    string
	State         State
	VersionNumber int64
	Err           error
	At            time.Time
}

// SessionConfig describes one editing session.
type SessionConfig struct {
	SessionID  string
	DocumentID string
	UserID     string
	// Title and Content seed the local state; UpdatedAt is the document version the editor
	// opened and backs the changed-elsewhere notice.
	Title     string
	Content   json.RawMessage
	UpdatedAt time.Time

	Debounce  time.Duration
	Committer Committer
	AfterFunc AfterFunc
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	SessionID     string
	DocumentID    string
	UserID        string
	State         State
	Title         string
	Content       json.RawMessage
	Revision      uint64
	SavedRevision uint64
	VersionNumber int64
	LastSavedAt   time.Time
	LastError     error
	// ChangedElsewhere is set when the latest commit found the document modified by another
	// writer since this session last saw it.
	ChangedElsewhere bool
}

// Session is the autosave state machine of one open editing context. One debounce timer at
// most is pending at any time, and at most one commit is in flight.
type Session struct {
	id         string
	documentID string
	userID     string
	debounce   time.Duration
	committer  Committer
	afterFunc  AfterFunc
	clock      func() time.Time
	logger     *zap.Logger
	events     chan Event

	mu            sync.Mutex
	state         State
	title         string
	content       json.RawMessage
	revision      uint64
	savedRevision uint64
	lastKnown     time.Time
	lastSavedAt   time.Time
	versionNumber int64
	lastErr       error
	elsewhere     bool
	timer         Timer
	generation    uint64
	inFlight      chan struct{}
	closed        bool
}

// NewSession constructs an idle session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.SessionID == "" || cfg.DocumentID == "" || cfg.UserID == "" || cfg.Committer == nil {
		return nil, ErrInvalidSession
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = StdAfterFunc
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{
		id:         cfg.SessionID,
		documentID: cfg.DocumentID,
		userID:     cfg.UserID,
		debounce:   debounce,
		committer:  cfg.Committer,
		afterFunc:  afterFunc,
		clock:      clock,
		logger:     logger.With(zap.String("session_id", cfg.SessionID), zap.String("document_id", cfg.DocumentID)),
		events:     make(chan Event, eventBuffer),
		state:      StateIdle,
		title:      cfg.Title,
		content:    cloneContent(cfg.Content),
		lastKnown:  cfg.UpdatedAt,
	}, nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DocumentID() string { return s.documentID }
func (s *Session) UserID() string     { return s.userID }

// Events delivers session notifications. The channel is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Snapshot returns the current local state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:     s.id,
		DocumentID:    s.documentID,
		UserID:        s.userID,
		State:         s.state,
		Title:         s.title,
		Content:       cloneContent(s.content),
		Revision:      s.revision,
		SavedRevision: s.savedRevision,
		VersionNumber: s.versionNumber,
		LastSavedAt:   s.lastSavedAt,
		LastError:     s.lastErr,

		ChangedElsewhere: s.elsewhere,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Edit replaces the local title and content. Outside of Saving it restarts the debounce
// timer; during Saving the edit waits for the running commit to finish.
func (s *Session) Edit(title string, content json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.title = title
	s.content = cloneContent(content)
	return s.markEditedLocked()
}

// Apply is Edit for partial updates: a nil title or empty content keeps the current local
// value. The merge happens under the session lock.
func (s *Session) Apply(title *string, content json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if title != nil {
		s.title = *title
	}
	if len(content) > 0 {
		s.content = cloneContent(content)
	}
	return s.markEditedLocked()
}

func (s *Session) markEditedLocked() error {
	s.revision++
	if s.state == StateSaving {
		return nil
	}
	s.state = StateDirty
	s.scheduleLocked()
	return nil
}

// Save starts a commit immediately. It is a no-op while a commit is running or when there is
// nothing unsaved. The returned bool reports whether a commit started.
func (s *Session) Save() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	if s.state == StateSaving || s.state == StateIdle {
		return false, nil
	}
	s.startCommitLocked()
	return true, nil
}

// Close cancels the pending timer without saving. A commit already running completes.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// SaveAndClose waits for a running commit, saves any unsaved edits synchronously and closes
// the session. The session is closed even when the final save fails.
func (s *Session) SaveAndClose(ctx context.Context) error {
	for {
		if err := s.waitInFlight(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		if s.inFlight == nil {
			break
		}
		s.mu.Unlock()
	}

	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.stopTimerLocked()
	if s.revision == s.savedRevision {
		s.closeLocked()
		s.mu.Unlock()
		return nil
	}
	request, revision := s.beginCommitLocked()
	done := s.inFlight
	s.mu.Unlock()

	err := s.commit(ctx, request, revision, done)

	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	return err
}

func (s *Session) waitInFlight(ctx context.Context) error {
	for {
		s.mu.Lock()
		inFlight := s.inFlight
		s.mu.Unlock()
		if inFlight == nil {
			return nil
		}
		select {
		case <-inFlight:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.stopTimerLocked()
	s.closed = true
	close(s.events)
}

func (s *Session) scheduleLocked() {
	s.stopTimerLocked()
	s.generation++
	generation := s.generation
	s.timer = s.afterFunc(s.debounce, func() {
		s.onQuietPeriod(generation)
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

func (s *Session) onQuietPeriod(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || generation != s.generation || s.state != StateDirty {
		return
	}
	s.timer = nil
	s.startCommitLocked()
}

func (s *Session) startCommitLocked() {
	s.stopTimerLocked()
	request, revision := s.beginCommitLocked()
	done := s.inFlight
	go func() {
		_ = s.commit(context.Background(), request, revision, done)
	}()
}

func (s *Session) beginCommitLocked() (documents.SaveRequest, uint64) {
	s.state = StateSaving
	s.inFlight = make(chan struct{})
	request := documents.SaveRequest{
		DocumentID: s.documentID,
		UserID:     s.userID,
		Title:      s.title,
		Content:    cloneContent(s.content),
	}
	if !s.lastKnown.IsZero() {
		expected := s.lastKnown
		request.ExpectedUpdatedAt = &expected
	}
	return request, s.revision
}

// commit runs one save and applies its outcome. Caller cancellation does not abort the write.
func (s *Session) commit(ctx context.Context, request documents.SaveRequest, revision uint64, done chan struct{}) error {
	result, err := s.committer.SaveDocument(context.WithoutCancel(ctx), request)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if s.inFlight == done {
			s.inFlight = nil
		}
		close(done)
	}()

	if !result.Document.UpdatedAt.IsZero() {
		s.lastKnown = result.Document.UpdatedAt
	}
	if result.ChangedElsewhere {
		s.elsewhere = true
		s.emitLocked(Event{Kind: EventChangedElsewhere})
	}

	if err != nil && result.VersionPending {
		// content is durable; the version is recorded when the pending queue replays
		s.logger.Info("autosave version deferred",
			zap.String("user_id", s.userID),
			zap.Uint64("revision", revision),
			zap.Error(err))
		err = nil
	}
	if err != nil {
		s.lastErr = err
		s.state = StateError
		s.logger.Warn("autosave commit failed",
			zap.String("user_id", s.userID),
			zap.Uint64("revision", revision),
			zap.Error(err))
		s.emitLocked(Event{Kind: EventFailed, Err: err})
		return err
	}

	s.lastErr = nil
	s.elsewhere = result.ChangedElsewhere
	s.savedRevision = revision
	s.lastSavedAt = s.clock()
	if result.Version != nil {
		s.versionNumber = result.Version.VersionNumber
	}
	if s.revision > revision && !s.closed {
		s.state = StateDirty
		s.scheduleLocked()
	} else {
		s.state = StateIdle
	}
	s.emitLocked(Event{Kind: EventSaved, VersionNumber: s.versionNumber})
	return nil
}

func (s *Session) emitLocked(event Event) {
	if s.closed {
		return
	}
	event.SessionID = s.id
	event.DocumentID = s.documentID
	event.State = s.state
	event.At = s.clock()
	select {
	case s.events <- event:
	default:
		s.logger.Debug("autosave event dropped", zap.String("kind", string(event.Kind)))
	}
}

func cloneContent(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
