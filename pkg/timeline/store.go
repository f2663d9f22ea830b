package timeline

import (
	"context"
	"time"
)

// Store provides durable persistence for fragments, observations,
// memory events and the keyword term index. Implementations must make
// ApplyFusion atomic: a window's created and updated events commit
// together or not at all.
type Store interface {
	Close() error

	UpsertFragment(ctx context.Context, frag Fragment) error
	GetFragment(ctx context.Context, id string) (Fragment, error)
	ListFragments(ctx context.Context, limit int) ([]Fragment, error)
	SetFragmentStatus(ctx context.Context, id, status string) error

	// AppendObservation writes one observation, deduplicating on the
	// producer-supplied idempotency key. It returns false when the key
	// was already seen and nothing was written.
	AppendObservation(ctx context.Context, obs Observation) (bool, error)
	ListObservations(ctx context.Context, from, to time.Time) ([]Observation, error)
	GetObservations(ctx context.Context, ids []string) (map[string]Observation, error)

	GetEvent(ctx context.Context, id string) (MemoryEvent, error)
	// ListEvents returns events whose time range intersects [from,to],
	// ordered by start time. Zero from/to mean unbounded on that side.
	ListEvents(ctx context.Context, from, to time.Time, limit int) ([]MemoryEvent, error)
	ListOpenEvents(ctx context.Context, from, to time.Time) ([]MemoryEvent, error)

	// ApplyFusion commits one window's output atomically and records
	// the window as fused. Updated events are revision-checked: if the
	// stored revision is already at or past the incoming one, only the
	// incoming event's unique evidence references are merged in.
	ApplyFusion(ctx context.Context, window FusionWindow, created, updated []MemoryEvent) error

	// FreezeEventsEndingBefore marks events whose end precedes cutoff
	// as frozen so later windows stop merging into them.
	FreezeEventsEndingBefore(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteEventsWithin removes events whose time range lies fully
	// inside [start,end] and returns their ids. Partially-overlapping
	// events are untouched.
	DeleteEventsWithin(ctx context.Context, start, end time.Time) ([]string, error)
	DeleteAllEvents(ctx context.Context) ([]string, error)

	ReplaceEventTerms(ctx context.Context, eventID string, terms []string) error
	RemoveEventTerms(ctx context.Context, eventID string) error
	// EventIDsByTerms returns, for events matching any of the given
	// normalized terms, the number of distinct terms each matched.
	EventIDsByTerms(ctx context.Context, terms []string) (map[string]int, error)

	UpsertWindow(ctx context.Context, win FusionWindow) error
	ListWindows(ctx context.Context, status string, limit int) ([]FusionWindow, error)
}
