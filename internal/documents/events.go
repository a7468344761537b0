package documents

import "time"

// EventType names a document change broadcast to subscribers.
type EventType string

const (
	EventDocumentSaved     EventType = "document.saved"
	EventDocumentRestored  EventType = "document.restored"
	EventVersionRecorded   EventType = "document.version_recorded"
	EventVisibilityChanged EventType = "document.visibility_changed"
	EventArchiveChanged    EventType = "document.archive_changed"
	EventDocumentDeleted   EventType = "document.deleted"
	EventSharesChanged     EventType = "document.shares_changed"
)

// Event describes a committed change to a document.
type Event struct {
	Type          EventType `json:"type"`
	DocumentID    string    `json:"document_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	VersionNumber int64     `json:"version_number,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventPublisher receives events after the change they describe has committed. Publish must
// not block.
type EventPublisher interface {
	Publish(event Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Event) {}
