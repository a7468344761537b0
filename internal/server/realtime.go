package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/permissions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	defaultHeartbeat       = 25 * time.Second
	defaultBufferSize      = 16
)

// RealtimeDispatcher fans committed document events out to the streams subscribed to that
// document. Slow subscribers lose events rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	heartbeat   time.Duration
}

type realtimeSubscriber struct {
	id     int64
	stream chan documents.Event
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultBufferSize,
		heartbeat:   defaultHeartbeat,
	}
}

// Subscribe registers a stream for documentID. The subscription ends when ctx is done or
// the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, documentID string) (<-chan documents.Event, func()) {
	if documentID == "" {
		ch := make(chan documents.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan documents.Event, d.bufferSize),
	}
	d.registerSubscriber(documentID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(documentID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements documents.EventPublisher.
func (d *RealtimeDispatcher) Publish(event documents.Event) {
	if event.DocumentID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[event.DocumentID] {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports the number of open streams on documentID.
func (d *RealtimeDispatcher) Subscribers(documentID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[documentID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(documentID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[documentID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(documentID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[documentID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, documentID)
		}
	}
	d.mu.Unlock()
}

// handleDocumentEvents streams the document's events as server-sent events. Access is
// re-resolved after sharing or visibility changes and the stream ends once read is lost.
func (h *httpHandler) handleDocumentEvents(c *gin.Context) {
	documentID := c.Param("id")
	userID := userIDFrom(c)
	ctx := c.Request.Context()
	if _, err := h.documents.LoadDocument(ctx, documentID, userID); err != nil {
		h.writeError(c, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(ctx, documentID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventReady, gin.H{"document_id": documentID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.realtime.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(string(event.Type), event)
			c.Writer.Flush()
			if event.Type == documents.EventDocumentDeleted {
				return
			}
			if event.Type == documents.EventSharesChanged || event.Type == documents.EventVisibilityChanged {
				level, err := h.documents.ResolvePermission(ctx, documentID, userID)
				if err != nil || !level.AtLeast(permissions.Read) {
					h.logger.Debug("realtime stream closed after access change",
						zap.String("document_id", documentID),
						zap.String("user_id", userID))
					return
				}
			}
		}
	}
}
