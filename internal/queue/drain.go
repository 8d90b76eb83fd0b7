package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/transport"
)

type laneKey struct {
	kind   schema.Kind
	userID string
}

// drainState is the bookkeeping of one drain.
type drainState struct {
	report Report
	// held lanes had a transient failure; the rest of their mutations wait.
	held map[laneKey]bool
	// dead temporary ids whose create was rejected.
	dead map[targetKey]bool
	done map[string]bool
}

// Drain replays the queue once, in order. It returns ErrDrainInProgress if
// another drain is running. The report is valid even when an error is
// returned.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	if !q.drainMu.TryLock() {
		return Report{}, ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	st := &drainState{
		held: make(map[laneKey]bool),
		dead: make(map[targetKey]bool),
		done: make(map[string]bool),
	}

	snapshot := q.List()
	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return st.report, err
		}
		if st.done[snapshot[i].ID] {
			continue
		}
		// Re-read: earlier confirmations may have retargeted it.
		m, ok := q.get(snapshot[i].ID)
		if !ok {
			continue
		}
		st.done[m.ID] = true

		lane := laneKey{m.Kind, m.UserID}
		if st.held[lane] {
			st.report.Held++
			continue
		}

		if m.Op != OpCreate && m.Target.IsTemporary() {
			n, _ := m.Target.Temporary()
			switch {
			case st.dead[targetKey{m.Kind, m.UserID, n}]:
				q.config.Logger.Printf("Dropping %s: its create was rejected", m)
				q.Remove(ctx, m.ID)
				st.report.Dropped++
			case q.HasPendingCreate(m.Kind, m.UserID, m.Target):
				st.report.Deferred++
			default:
				q.config.Logger.Printf("Dropping %s: record was never created remotely", m)
				q.Remove(ctx, m.ID)
				st.report.Dropped++
			}
			continue
		}

		if !q.resolveRefs(ctx, &m) {
			// Waits for the create of a record it names; later writes of
			// the kind wait behind it.
			st.report.Deferred++
			st.held[lane] = true
			continue
		}

		if m.Op == OpCreate && m.Kind == schema.KindSale {
			if batch := q.saleBatch(snapshot[i+1:], m, st); len(batch) > 1 {
				q.replayBulk(ctx, batch, st)
				continue
			}
		}

		q.replayOne(ctx, m, st)
	}

	if st.report.Attempted > 0 {
		q.config.Logger.Printf("Drain: %d attempted, %d confirmed, %d retried, %d rejected, %d deferred, %d held",
			st.report.Attempted, st.report.Confirmed, st.report.Retried, len(st.report.Rejected), st.report.Deferred, st.report.Held)
	}
	return st.report, nil
}

// saleBatch collects first and the sale creates that directly follow it for
// the same owner. Mutations of other kinds in between do not break the run.
func (q *Queue) saleBatch(rest []Mutation, first Mutation, st *drainState) []Mutation {
	batch := []Mutation{first}
	for _, next := range rest {
		if next.Kind != schema.KindSale || st.done[next.ID] {
			continue
		}
		if next.Op != OpCreate || next.UserID != first.UserID {
			break
		}
		// Re-read: an earlier confirmation may have rebound its references.
		cur, ok := q.get(next.ID)
		if !ok {
			continue
		}
		if refs, _ := schema.TemporaryRefs(cur.Kind, cur.Payload); len(refs) > 0 {
			break
		}
		batch = append(batch, cur)
	}
	return batch
}

// resolveRefs readies the payload of m for sending. It reports false while
// m names a record whose create is still pending. Names of records that
// were never created remotely are dropped from the payload.
func (q *Queue) resolveRefs(ctx context.Context, m *Mutation) bool {
	if m.Op == OpDelete {
		return true
	}
	refs, err := schema.TemporaryRefs(m.Kind, m.Payload)
	if err != nil || len(refs) == 0 {
		return true
	}
	for _, ref := range refs {
		if q.HasPendingCreate(ref.Kind, m.UserID, ref.ID) {
			return false
		}
	}

	payload := []byte(m.Payload)
	for _, ref := range refs {
		if payload, _, err = schema.RebindRefs(m.Kind, payload, ref.Kind, ref.ID, schema.ID{}); err != nil {
			return true
		}
	}
	q.config.Logger.Printf("Unlinking %s from %d records never created remotely", m, len(refs))
	m.Payload = payload
	q.setPayload(ctx, m.ID, m.Payload)
	return true
}

func (q *Queue) replayOne(ctx context.Context, m Mutation, st *drainState) {
	st.report.Attempted++
	if m.Op == OpCreate {
		defer q.BeginCreate(m.Kind, m.UserID, m.Target)()
	}
	actx := api.WithUser(ctx, m.UserID)

	var (
		confirmed json.RawMessage
		err       error
	)
	switch m.Op {
	case OpCreate:
		confirmed, err = q.remote.Create(actx, m.Kind, m.Payload)
	case OpUpdate:
		_, err = q.remote.Update(actx, m.Kind, m.Target, m.Payload)
	case OpDelete:
		err = q.remote.Delete(actx, m.Kind, m.Target)
	}

	if err != nil {
		q.fail(ctx, m, err, st)
		return
	}
	q.confirm(ctx, m, confirmed, st)
}

func (q *Queue) replayBulk(ctx context.Context, batch []Mutation, st *drainState) {
	bodies := make([]json.RawMessage, len(batch))
	for i, m := range batch {
		bodies[i] = m.Payload
		st.done[m.ID] = true
		defer q.BeginCreate(m.Kind, m.UserID, m.Target)()
	}

	results, err := q.remote.CreateSalesBulk(api.WithUser(ctx, batch[0].UserID), bodies)
	switch {
	case err == nil:
		st.report.Attempted += len(batch)
		for i, m := range batch {
			q.confirm(ctx, m, results[i], st)
		}

	case ctx.Err() != nil:
		return

	case transport.IsTransient(err):
		st.report.Attempted += len(batch)
		lane := laneKey{batch[0].Kind, batch[0].UserID}
		for _, m := range batch {
			q.retry(ctx, m, err, st)
		}
		st.held[lane] = true

	default:
		// One bad sale must not sink the others: fall back to single creates.
		q.config.Logger.Printf("Bulk sale replay failed (%v), retrying individually", err)
		for _, m := range batch {
			if st.held[laneKey{m.Kind, m.UserID}] {
				st.report.Held++
				continue
			}
			q.replayOne(ctx, m, st)
		}
	}
}

func (q *Queue) confirm(ctx context.Context, m Mutation, confirmed json.RawMessage, st *drainState) {
	q.Remove(ctx, m.ID)
	st.report.Confirmed++

	if m.Op != OpCreate {
		return
	}

	serverID, err := schema.WireID(confirmed)
	if err != nil {
		q.config.Logger.Printf("Warning: confirmed %s carries no server id: %v", m, err)
		return
	}
	if n := q.Retarget(ctx, m.Kind, m.UserID, m.Target, serverID); n > 0 {
		q.config.Logger.Printf("Retargeted %d queued mutations from %s to %s", n, m.Target, serverID)
	}

	q.mu.Lock()
	rec := q.reconciler
	q.mu.Unlock()
	if rec != nil {
		if err := rec.Reconcile(ctx, m, confirmed); err != nil {
			q.config.Logger.Printf("Warning: failed to reconcile %s: %v", m, err)
		}
	}
}

func (q *Queue) fail(ctx context.Context, m Mutation, err error, st *drainState) {
	// Shutting down: leave the mutation untouched for the next run.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		st.held[laneKey{m.Kind, m.UserID}] = true
		return
	}

	if transport.IsTransient(err) {
		q.retry(ctx, m, err, st)
		st.held[laneKey{m.Kind, m.UserID}] = true
		return
	}

	if isUndeliverable(err) {
		q.config.Logger.Printf("Dropping %s: %v", m, err)
		q.Remove(ctx, m.ID)
		st.report.Dropped++
		return
	}

	q.config.Logger.Printf("Server rejected %s: %v", m, err)
	q.Remove(ctx, m.ID)
	if m.Op == OpCreate {
		if n, ok := m.Target.Temporary(); ok {
			st.dead[targetKey{m.Kind, m.UserID, n}] = true
		}
	}

	rej := Rejection{Mutation: m, Err: err}
	st.report.Rejected = append(st.report.Rejected, rej)
	if q.config.OnRejected != nil {
		q.config.OnRejected(rej)
	}
}

func (q *Queue) retry(ctx context.Context, m Mutation, err error, st *drainState) {
	count := q.recordFailure(ctx, m.ID, err)
	st.report.Retried++
	if count > st.report.MaxRetry {
		st.report.MaxRetry = count
	}
	q.config.Logger.Printf("Keeping %s queued (attempt %d): %v", m, count, err)
}
