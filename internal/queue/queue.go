// Package queue holds the Mutation Queue: a durable ordered list of writes
// the remote service has not confirmed, replayed when connectivity returns.
//
// Mutations of one kind (and owner) replay in enqueue order. A transient
// failure keeps the mutation in place and holds back the rest of its kind
// until the next drain; a rejection drops it and reports it to the caller.
// Drains never overlap.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/transport"
)

// Remote is the part of api.Client the queue replays against.
type Remote interface {
	Create(ctx context.Context, kind schema.Kind, body []byte) (json.RawMessage, error)
	CreateSalesBulk(ctx context.Context, bodies []json.RawMessage) ([]json.RawMessage, error)
	Update(ctx context.Context, kind schema.Kind, id schema.ID, body []byte) (json.RawMessage, error)
	Delete(ctx context.Context, kind schema.Kind, id schema.ID) error
}

// Reconciler swaps the optimistic record of a confirmed create for the
// server's copy.
type Reconciler interface {
	Reconcile(ctx context.Context, m Mutation, confirmed json.RawMessage) error
}

// Config holds queue settings.
type Config struct {
	// Logger for queue activity
	Logger *log.Logger

	// Now stamps new mutations.
	Now func() time.Time

	// OnRejected is called for every mutation dropped after a rejection.
	OnRejected func(Rejection)
}

// DefaultConfig returns the stock queue configuration.
func DefaultConfig() Config {
	return Config{
		Logger: log.New(os.Stderr, "[queue] ", log.LstdFlags),
		Now:    time.Now,
	}
}

type targetKey struct {
	kind   schema.Kind
	userID string
	temp   uint64
}

// Queue is safe for concurrent use.
type Queue struct {
	store  *db.DB
	remote Remote
	config Config

	mu         stdsync.Mutex
	items      []Mutation
	lastSeq    int64
	inflight   map[targetKey]int
	reconciler Reconciler

	drainMu stdsync.Mutex
}

// New loads the persisted queue from store.
func New(ctx context.Context, store *db.DB, remote Remote, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	q := &Queue{
		store:    store,
		remote:   remote,
		config:   cfg,
		inflight: make(map[targetKey]int),
	}

	records, err := store.ListMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation queue: %w", err)
	}
	for _, r := range records {
		q.items = append(q.items, fromRecord(r))
		if r.Seq > q.lastSeq {
			q.lastSeq = r.Seq
		}
	}
	if len(q.items) > 0 {
		cfg.Logger.Printf("Loaded %d queued mutations", len(q.items))
	}

	return q, nil
}

// SetReconciler installs the component notified of confirmed creates.
func (q *Queue) SetReconciler(r Reconciler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reconciler = r
}

// Enqueue validates m, assigns its id and sequence, persists it and appends
// it to the queue. A persistence failure is logged; the mutation stays
// queued in memory.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	if err := m.validate(); err != nil {
		return Mutation{}, err
	}
	m.ID = uuid.NewString()
	m.RetryCount = 0
	m.LastError = ""
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.config.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec := m.record()
	if err := q.store.InsertMutation(ctx, rec); err != nil {
		q.config.Logger.Printf("Warning: %s not persisted: %v", m, err)
		rec.Seq = q.lastSeq + 1
	}
	m.Seq = rec.Seq
	if m.Seq > q.lastSeq {
		q.lastSeq = m.Seq
	}
	q.items = append(q.items, m)

	return m, nil
}

// List returns a copy of the queue in replay order.
func (q *Queue) List() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Mutation(nil), q.items...)
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the queued mutations of one kind and owner.
func (q *Queue) Pending(kind schema.Kind, userID string) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Mutation
	for _, m := range q.items {
		if m.Kind == kind && m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// HasPendingCreate reports whether the create for a temporary id is still
// queued or being sent.
func (q *Queue) HasPendingCreate(kind schema.Kind, userID string, temp schema.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hasPendingCreateLocked(kind, userID, temp)
}

func (q *Queue) hasPendingCreateLocked(kind schema.Kind, userID string, temp schema.ID) bool {
	n, ok := temp.Temporary()
	if !ok {
		return false
	}
	if q.inflight[targetKey{kind, userID, n}] > 0 {
		return true
	}
	for _, m := range q.items {
		if m.Op == OpCreate && m.Kind == kind && m.UserID == userID && m.Target.Equal(temp) {
			return true
		}
	}
	return false
}

// BeginCreate marks a create for temp as being sent outside the queue, so
// mutations queued against temp are deferred rather than dropped. The
// returned func ends the mark.
func (q *Queue) BeginCreate(kind schema.Kind, userID string, temp schema.ID) (done func()) {
	n, ok := temp.Temporary()
	if !ok {
		return func() {}
	}
	key := targetKey{kind, userID, n}

	q.mu.Lock()
	q.inflight[key]++
	q.mu.Unlock()

	var once stdsync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.inflight[key]--
			if q.inflight[key] <= 0 {
				delete(q.inflight, key)
			}
		})
	}
}

// Sending returns the temporary ids of kind whose create is being sent for
// userID, by a drain or by a caller that used BeginCreate.
func (q *Queue) Sending(kind schema.Kind, userID string) map[schema.ID]bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[schema.ID]bool)
	for key := range q.inflight {
		if key.kind == kind && key.userID == userID {
			out[schema.TemporaryID(key.temp)] = true
		}
	}
	return out
}

// Retarget rewrites queued mutations that reference temp to reference the
// server id, in memory and in the store. That covers mutations targeting
// the record and payloads of other kinds that name it (a sale's product).
// It returns the number of mutations rewritten.
func (q *Queue) Retarget(ctx context.Context, kind schema.Kind, userID string, temp, server schema.ID) int {
	n, ok := temp.Temporary()
	if !ok || !server.IsServer() {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	targeted := 0
	for i := range q.items {
		m := &q.items[i]
		if m.Kind == kind && m.UserID == userID && m.Target.Equal(temp) {
			m.Target = server
			targeted++
		}
	}
	if targeted > 0 {
		serverID, _ := server.Server()
		if _, err := q.store.RetargetMutations(ctx, kind, userID, n, serverID); err != nil {
			q.config.Logger.Printf("Warning: failed to persist retarget of %s: %v", temp, err)
		}
	}

	rebound := 0
	referrers := schema.Referrers(kind)
	for i := range q.items {
		m := &q.items[i]
		if m.UserID != userID || m.Op == OpDelete || !slices.Contains(referrers, m.Kind) {
			continue
		}
		payload, changed, err := schema.RebindRefs(m.Kind, m.Payload, kind, temp, server)
		if err != nil || !changed {
			continue
		}
		m.Payload = payload
		q.persistPayloadLocked(ctx, m)
		rebound++
	}

	return targeted + rebound
}

// setPayload replaces the body of a queued mutation.
func (q *Queue) setPayload(ctx context.Context, id string, payload json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].Payload = payload
			q.persistPayloadLocked(ctx, &q.items[i])
			return
		}
	}
}

func (q *Queue) persistPayloadLocked(ctx context.Context, m *Mutation) {
	if err := q.store.UpdateMutationPayload(ctx, m.ID, m.Payload); err != nil {
		q.config.Logger.Printf("Warning: failed to persist payload of %s: %v", m, err)
	}
}

// Remove drops a mutation by id.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

func (q *Queue) removeLocked(ctx context.Context, id string) bool {
	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			if err := q.store.DeleteMutation(ctx, id); err != nil {
				q.config.Logger.Printf("Warning: failed to delete %s from store: %v", m, err)
			}
			return true
		}
	}
	return false
}

func (q *Queue) get(id string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.ID == id {
			return m, true
		}
	}
	return Mutation{}, false
}

// recordFailure bumps the retry count of a mutation in place.
func (q *Queue) recordFailure(ctx context.Context, id string, cause error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		m := &q.items[i]
		if m.ID != id {
			continue
		}
		m.RetryCount++
		m.LastError = cause.Error()
		if err := q.store.UpdateMutationAttempt(ctx, m.ID, m.RetryCount, m.LastError); err != nil {
			q.config.Logger.Printf("Warning: failed to persist retry of %s: %v", m, err)
		}
		return m.RetryCount
	}
	return 0
}

// NextDelay returns how long to wait before the next drain after r.
// Zero means nothing is waiting on connectivity.
func NextDelay(r Report, p transport.Policy, rnd func() float64) time.Duration {
	if r.Retried == 0 {
		return 0
	}
	retry := r.MaxRetry - 1
	if retry < 0 {
		retry = 0
	}
	return transport.Backoff(retry, p, rnd)
}

// isUndeliverable reports whether err can never succeed for this mutation.
func isUndeliverable(err error) bool {
	return errors.Is(err, api.ErrTemporaryID) || errors.Is(err, schema.ErrMissingID)
}
