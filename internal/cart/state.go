package cart

import "time"

// SchemaVersion tags persisted snapshots. Snapshots carrying a different tag
// are rejected on load rather than migrated.
const SchemaVersion = "1"

// State is the persisted cart snapshot.
type State struct {
	// Items is the live cart, in insertion order. Order carries no meaning
	// but must be stable so snapshot diffs stay readable.
	Items []Item `json:"items"`

	// PendingChanges holds items mutated locally but not yet confirmed by the
	// remote service; they are what resumes a sync after a failure or reload.
	PendingChanges []Item `json:"pending_changes,omitempty"`

	// LastSynced is the RFC3339 timestamp of the last confirmed sync.
	LastSynced string `json:"last_synced"`

	// Version is the schema version tag.
	Version string `json:"version"`
}

// NewState builds a snapshot for the given items and pending changes, stamped
// with the current schema version.
func NewState(items, pending []Item, now time.Time) *State {
	return &State{
		Items:          CloneItems(items),
		PendingChanges: CloneItems(pending),
		LastSynced:     now.UTC().Format(time.RFC3339),
		Version:        SchemaVersion,
	}
}

// Op identifies a queued mutation intent.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpUpdate Op = "update"
	OpSync   Op = "sync"
	OpClear  Op = "clear"
)

// PendingOperation is a queued intent with its payload and enqueue time. In
// degraded network conditions operations are retried in insertion order.
type PendingOperation struct {
	Op         Op        `json:"op"`
	Item       *Item     `json:"item,omitempty"`
	Quantity   int       `json:"quantity,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
