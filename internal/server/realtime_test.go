package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/content"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "doc-1")
	defer cleanup()

	dispatcher.Publish(documents.Event{
		Type:          documents.EventDocumentSaved,
		DocumentID:    "doc-1",
		VersionNumber: 3,
		OccurredAt:    time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != documents.EventDocumentSaved {
			t.Fatalf("expected event type %s, got %s", documents.EventDocumentSaved, received.Type)
		}
		if received.VersionNumber != 3 {
			t.Fatalf("expected version 3, got %d", received.VersionNumber)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByDocument(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstStream, cleanup := dispatcher.Subscribe(ctx, "doc-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "doc-3")
	defer otherCleanup()

	dispatcher.Publish(documents.Event{Type: documents.EventSharesChanged, DocumentID: "doc-3"})

	select {
	case <-firstStream:
		t.Fatal("did not expect realtime message for unrelated document")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.DocumentID != "doc-3" {
			t.Fatalf("expected doc-3, received %s", msg.DocumentID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed document")
	}
}

func TestRealtimeDispatcherDropsForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "doc-4")
	defer cleanup()

	for index := 0; index < defaultBufferSize*2; index++ {
		dispatcher.Publish(documents.Event{Type: documents.EventDocumentSaved, DocumentID: "doc-4"})
	}
	if len(stream) != defaultBufferSize {
		t.Fatalf("expected buffer to cap at %d, got %d", defaultBufferSize, len(stream))
	}
}

func TestRealtimeSubscriptionEndsWithContext(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Subscribe(ctx, "doc-5")
	if dispatcher.Subscribers("doc-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("doc-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type streamEvent struct {
	name string
	data string
}

func readStreamEvents(t *testing.T, reader *bufio.Reader) <-chan streamEvent {
	t.Helper()
	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		current := streamEvent{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				if current.name != "" {
					events <- current
				}
				current = streamEvent{}
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return events
}

func awaitStreamEvent(t *testing.T, events <-chan streamEvent, name string) streamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event
			}
		}
	}
}

func TestDocumentEventStreamDeliversSaves(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	documentID := env.createDocument(t, alice, "Live").Document.DocumentID

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/documents/"+documentID+"/events?access_token="+alice, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	events := readStreamEvents(t, bufio.NewReader(streamResp.Body))
	awaitStreamEvent(t, events, realtimeEventReady)

	saved := env.do(t, http.MethodPut, "/documents/"+documentID, alice, map[string]any{
		"title":   "Live",
		"content": content.Paragraphs("streamed"),
	})
	if saved.status != http.StatusOK {
		t.Fatalf("unexpected save status: %d", saved.status)
	}

	event := awaitStreamEvent(t, events, string(documents.EventDocumentSaved))
	var payload documents.Event
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if payload.DocumentID != documentID || payload.VersionNumber != 2 || payload.ActorID != "user-a" {
		t.Fatalf("unexpected event payload: %+v", payload)
	}
}

func TestDocumentEventStreamRequiresRead(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	bob := env.tokenFor(t, "user-b", "bob")
	documentID := env.createDocument(t, alice, "Secret").Document.DocumentID

	response := env.do(t, http.MethodGet, "/documents/"+documentID+"/events", bob, nil)
	if response.status != http.StatusForbidden {
		t.Fatalf("expected 403 for stream without read, got %d", response.status)
	}
	if env.dispatcher.Subscribers(documentID) != 0 {
		t.Fatalf("rejected stream must not subscribe")
	}
}
