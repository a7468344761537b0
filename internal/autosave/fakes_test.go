package autosave

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	owner   *fakeTimers
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{owner: f, delay: d, fn: fn}
	f.timers = append(f.timers, timer)
	return timer
}

func (f *fakeTimers) pending() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*fakeTimer
	for _, timer := range f.timers {
		if !timer.stopped && !timer.fired {
			active = append(active, timer)
		}
	}
	return active
}

func (f *fakeTimers) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// elapse fires the single pending timer, as if its quiet period passed.
func (f *fakeTimers) elapse(t *testing.T) {
	t.Helper()
	active := f.pending()
	require.Len(t, active, 1, "expected exactly one pending debounce timer")
	f.mu.Lock()
	active[0].fired = true
	f.mu.Unlock()
	active[0].fn()
}

type fakeCommitter struct {
	mu       sync.Mutex
	requests []documents.SaveRequest
	gate     chan struct{}
	err      error
	result   documents.SaveResult
}

func (c *fakeCommitter) SaveDocument(_ context.Context, request documents.SaveRequest) (documents.SaveResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, request)
	gate := c.gate
	err := c.err
	result := c.result
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		if result.VersionPending {
			return result, err
		}
		return documents.SaveResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	result.Version = &documents.DocumentVersion{VersionNumber: int64(len(c.requests))}
	return result, nil
}

func (c *fakeCommitter) calls() []documents.SaveRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]documents.SaveRequest(nil), c.requests...)
}

func (c *fakeCommitter) setResult(result documents.SaveResult) {
	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
}

func (c *fakeCommitter) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func nextEvent(t *testing.T, session *Session) Event {
	t.Helper()
	select {
	case event, ok := <-session.Events():
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session event")
		return Event{}
	}
}

func waitForKind(t *testing.T, session *Session, kind EventKind) Event {
	t.Helper()
	for {
		event := nextEvent(t, session)
		if event.Kind == kind {
			return event
		}
	}
}
