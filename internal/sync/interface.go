package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tendero/shopsync/internal/schema"
)

// Remote is the part of api.Client the coordinators use.
type Remote interface {
	List(ctx context.Context, kind schema.Kind) ([]json.RawMessage, error)
	Create(ctx context.Context, kind schema.Kind, body []byte) (json.RawMessage, error)
	Update(ctx context.Context, kind schema.Kind, id schema.ID, body []byte) (json.RawMessage, error)
	Delete(ctx context.Context, kind schema.Kind, id schema.ID) error
}

// UserSource yields the active user id.
type UserSource interface {
	UserID() string
}

// Outcome tells the caller how far a write got.
type Outcome int

const (
	// OutcomeNone accompanies an error: nothing was sent or queued.
	OutcomeNone Outcome = iota
	// OutcomeSynced means the server confirmed the write.
	OutcomeSynced
	// OutcomeQueued means the write is saved locally and will sync.
	OutcomeQueued
	// OutcomeLocalOnly means the write applies locally and nothing will be
	// sent: the record never reached the server, or the server refused a
	// delete the user already sees applied.
	OutcomeLocalOnly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeQueued:
		return "saved locally, will sync"
	case OutcomeLocalOnly:
		return "local only"
	default:
		return "none"
	}
}

// Snapshot is the observable state of one kind.
type Snapshot[E schema.Entity[E]] struct {
	Kind      schema.Kind
	Items     []E
	IsLoading bool
	Err       error
	State     State
	LastSync  time.Time
}

// Status is the kind-independent part of a Snapshot.
type Status struct {
	Kind     schema.Kind
	Count    int
	State    State
	Err      error
	LastSync time.Time
}
