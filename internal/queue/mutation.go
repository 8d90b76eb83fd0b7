package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/schema"
)

// Op is the kind of write a mutation replays.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Errors returned by the queue.
var (
	// ErrDrainInProgress is returned by Drain while another drain runs.
	ErrDrainInProgress = errors.New("queue drain already in progress")

	// ErrInvalidMutation is returned by Enqueue for malformed entries.
	ErrInvalidMutation = errors.New("invalid mutation")
)

// Mutation is a write the remote service has not confirmed yet.
//
// Target is the record the write applies to. For a create it is the
// temporary id of the optimistic local record; it is never sent to the
// server. Payload is the wire body (schema.EncodeWire), nil for deletes.
type Mutation struct {
	ID         string
	Seq        int64
	Op         Op
	Kind       schema.Kind
	Target     schema.ID
	UserID     string
	Payload    json.RawMessage
	RetryCount int
	EnqueuedAt time.Time
	LastError  string
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s %s %s", m.Op, m.Kind, m.Target)
}

func (m Mutation) validate() error {
	if !m.Op.valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: no owning user", ErrInvalidMutation)
	}
	if m.Target.IsZero() {
		return fmt.Errorf("%w: no target id", ErrInvalidMutation)
	}
	if m.Op == OpCreate && !m.Target.IsTemporary() {
		return fmt.Errorf("%w: create must target a temporary id", ErrInvalidMutation)
	}
	if m.Op != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidMutation, m.Op)
	}
	return nil
}

func (m Mutation) record() *db.MutationRecord {
	return &db.MutationRecord{
		Seq:        m.Seq,
		ID:         m.ID,
		Op:         string(m.Op),
		Kind:       m.Kind,
		UserID:     m.UserID,
		Target:     m.Target,
		Payload:    []byte(m.Payload),
		RetryCount: m.RetryCount,
		EnqueuedAt: m.EnqueuedAt,
		LastError:  m.LastError,
	}
}

func fromRecord(r db.MutationRecord) Mutation {
	return Mutation{
		ID:         r.ID,
		Seq:        r.Seq,
		Op:         Op(r.Op),
		Kind:       r.Kind,
		Target:     r.Target,
		UserID:     r.UserID,
		Payload:    json.RawMessage(r.Payload),
		RetryCount: r.RetryCount,
		EnqueuedAt: r.EnqueuedAt,
		LastError:  r.LastError,
	}
}

// Rejection is a mutation the server refused; it has been dropped.
type Rejection struct {
	Mutation Mutation
	Err      error
}

// Report summarises one drain.
type Report struct {
	// Attempted counts mutations dispatched (a bulk batch counts each member).
	Attempted int
	Confirmed int
	// Retried counts transient failures kept for the next drain.
	Retried int
	// Deferred counts mutations waiting on an unconfirmed create.
	Deferred int
	// Dropped counts mutations discarded because their target can no longer exist.
	Dropped int
	// Held counts mutations skipped because an earlier one of the same kind failed.
	Held     int
	Rejected []Rejection
	// MaxRetry is the highest retry count among retried mutations.
	MaxRetry int
}

// Pending reports whether the drain left work that should be retried.
func (r Report) Pending() bool {
	return r.Retried > 0 || r.Deferred > 0 || r.Held > 0
}
