package domain

// EventKind discriminates change events emitted by the knowledge store
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// ChangeEvent is the unit of the store-to-index change stream. Events for
// one entry carry strictly increasing versions; the index treats anything
// at or below its indexed version as a duplicate.
type ChangeEvent struct {
	Kind      EventKind
	EntryID   string
	Embedding []float32 // nil for Deleted events
	Version   int64
}
