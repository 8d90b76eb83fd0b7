package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/transport"
)

// Add stores e optimistically under a temporary id and creates it remotely.
//
// On success the temporary record is replaced by the server's copy, which
// is returned with OutcomeSynced. A connectivity failure queues the create
// and returns the optimistic record with OutcomeQueued. A rejection returns
// the error; the optimistic record is kept, marked rejected, until the user
// edits or removes it, so the input is not lost.
func (c *Coordinator[E]) Add(ctx context.Context, e E) (E, Outcome, error) {
	var zero E
	userID, err := c.user()
	if err != nil {
		return zero, OutcomeNone, err
	}
	if err := e.Validate(); err != nil {
		return zero, OutcomeNone, err
	}

	item := e.Clone()
	ident := item.Identity()
	if ident.ID.IsServer() {
		return zero, OutcomeNone, fmt.Errorf("%w: %s %s already exists on the server", schema.ErrInvalid, c.kind, ident.ID)
	}
	if ident.ID.IsZero() {
		ident.ID = schema.NewTemporaryID()
	}
	ident.UserID = userID
	temp := ident.ID

	body, err := schema.EncodeWire(item)
	if err != nil {
		return zero, OutcomeNone, err
	}

	c.mu.Lock()
	gen := c.generation
	c.inflight[temp] = true
	c.mu.Unlock()
	done := c.deps.Queue.BeginCreate(c.kind, userID, temp)
	defer func() {
		done()
		c.mu.Lock()
		if gen == c.generation {
			delete(c.inflight, temp)
		}
		c.mu.Unlock()
	}()

	c.persist(ctx, item)
	c.upsertMemory(userID, item)
	c.deps.Cache.Invalidate(c.kind)
	c.publish()

	body, waits := c.resolveRefs(userID, body)
	if waits || c.behindQueue(userID) {
		return c.enqueue(ctx, item, queue.Mutation{Op: queue.OpCreate, Kind: c.kind, UserID: userID, Target: temp, Payload: body})
	}

	raw, err := c.deps.Remote.Create(api.WithUser(ctx, userID), c.kind, body)
	if err != nil {
		if transport.IsTransient(err) {
			return c.enqueue(ctx, item, queue.Mutation{Op: queue.OpCreate, Kind: c.kind, UserID: userID, Target: temp, Payload: body})
		}
		c.deps.Logger.Printf("Server rejected new %s: %v", c.kind, err)
		c.markRejected(userID, temp, true)
		c.persist(ctx, item)
		return item.Clone(), OutcomeNone, err
	}

	confirmed, err := c.reconcile(ctx, userID, temp, raw)
	if err != nil {
		return item.Clone(), OutcomeNone, err
	}
	c.deps.Kick()
	return confirmed, OutcomeSynced, nil
}

// Update stores e optimistically and sends it. A record that only has a
// temporary id is updated through the queue, after its create. Editing a
// record the server refused to create tries the create again.
func (c *Coordinator[E]) Update(ctx context.Context, e E) (E, Outcome, error) {
	var zero E
	userID, err := c.user()
	if err != nil {
		return zero, OutcomeNone, err
	}
	if err := e.Validate(); err != nil {
		return zero, OutcomeNone, err
	}

	item := e.Clone()
	ident := item.Identity()
	if ident.ID.IsZero() {
		return zero, OutcomeNone, fmt.Errorf("%w: %s has no identifier", schema.ErrInvalid, c.kind)
	}
	ident.UserID = userID

	body, err := schema.EncodeWire(item)
	if err != nil {
		return zero, OutcomeNone, err
	}

	c.persist(ctx, item)
	c.upsertMemory(userID, item)
	c.deps.Cache.Invalidate(c.kind)
	c.publish()

	if ident.ID.IsTemporary() {
		if c.deps.Queue.HasPendingCreate(c.kind, userID, ident.ID) {
			return c.enqueue(ctx, item, queue.Mutation{Op: queue.OpUpdate, Kind: c.kind, UserID: userID, Target: ident.ID, Payload: body})
		}
		if c.isRejected(ident.ID) {
			c.markRejected(userID, ident.ID, false)
			return c.Add(ctx, item)
		}
		c.deps.Logger.Printf("%s %s was never created remotely; update kept locally", c.kind, ident.ID)
		return item.Clone(), OutcomeLocalOnly, nil
	}

	body, waits := c.resolveRefs(userID, body)
	mutation := queue.Mutation{Op: queue.OpUpdate, Kind: c.kind, UserID: userID, Target: ident.ID, Payload: body}
	if waits || c.behindQueue(userID) {
		return c.enqueue(ctx, item, mutation)
	}

	raw, err := c.deps.Remote.Update(api.WithUser(ctx, userID), c.kind, ident.ID, body)
	if err != nil {
		if transport.IsTransient(err) {
			return c.enqueue(ctx, item, mutation)
		}
		c.deps.Logger.Printf("Server rejected update of %s %s: %v", c.kind, ident.ID, err)
		return item.Clone(), OutcomeNone, err
	}

	if len(raw) > 0 {
		if confirmed, err := schema.DecodeWire[E](raw); err == nil {
			confirmed.Identity().UserID = userID
			item = confirmed
			c.persist(ctx, item)
			c.upsertMemory(userID, item)
			c.publish()
		}
	}
	c.deps.Kick()
	return item.Clone(), OutcomeSynced, nil
}

// Remove deletes e locally at once, then remotely. A server refusal is
// logged and reported as OutcomeLocalOnly: the user already sees the record
// gone.
func (c *Coordinator[E]) Remove(ctx context.Context, e E) (Outcome, error) {
	userID, err := c.user()
	if err != nil {
		return OutcomeNone, err
	}
	id := e.Identity().ID
	if id.IsZero() {
		return OutcomeNone, fmt.Errorf("%w: %s has no identifier", schema.ErrInvalid, c.kind)
	}

	c.unpersist(ctx, userID, id)
	c.removeMemory(userID, id)
	c.markRejected(userID, id, false)
	c.deps.Cache.Invalidate(c.kind)
	c.publish()

	mutation := queue.Mutation{Op: queue.OpDelete, Kind: c.kind, UserID: userID, Target: id}

	if id.IsTemporary() {
		if c.deps.Queue.HasPendingCreate(c.kind, userID, id) {
			// Deferred by the queue until the create resolves.
			_, outcome, err := c.enqueue(ctx, e, mutation)
			return outcome, err
		}
		return OutcomeLocalOnly, nil
	}

	if c.behindQueue(userID) {
		_, outcome, err := c.enqueue(ctx, e, mutation)
		return outcome, err
	}

	if err := c.deps.Remote.Delete(api.WithUser(ctx, userID), c.kind, id); err != nil {
		if transport.IsTransient(err) {
			_, outcome, err := c.enqueue(ctx, e, mutation)
			return outcome, err
		}
		c.deps.Logger.Printf("Server refused delete of %s %s: %v", c.kind, id, err)
		return OutcomeLocalOnly, nil
	}

	c.deps.Kick()
	return OutcomeSynced, nil
}

// Reconcile applies a create confirmed by a queue drain.
func (c *Coordinator[E]) Reconcile(ctx context.Context, m queue.Mutation, confirmed json.RawMessage) error {
	if m.Kind != c.kind {
		return fmt.Errorf("mutation for %s sent to %s coordinator", m.Kind, c.kind)
	}
	_, err := c.reconcile(ctx, m.UserID, m.Target, confirmed)
	return err
}

// reconcile swaps the temporary record for the server's copy everywhere:
// queued mutations, Local Store, memory and cache.
func (c *Coordinator[E]) reconcile(ctx context.Context, userID string, temp schema.ID, raw json.RawMessage) (E, error) {
	confirmed, err := schema.DecodeWire[E](raw)
	if err != nil {
		var zero E
		return zero, fmt.Errorf("failed to read confirmed %s: %w", c.kind, err)
	}
	ident := confirmed.Identity()
	ident.UserID = userID

	c.deps.Queue.Retarget(ctx, c.kind, userID, temp, ident.ID)
	if c.deps.confirmed != nil {
		c.deps.confirmed(ctx, c.kind, userID, temp, ident.ID)
	}

	pending := indexPending(c.deps.Queue.Pending(c.kind, userID))
	if pending.deletes[ident.ID] {
		// Removed while the create was on its way; the queued delete
		// finishes the job remotely.
		c.unpersist(ctx, userID, temp)
		c.removeMemory(userID, temp)
		c.mu.Lock()
		if c.deps.Session.UserID() == userID {
			delete(c.inflight, temp)
		}
		c.mu.Unlock()
		c.deps.Cache.Invalidate(c.kind)
		c.publish()
		return confirmed.Clone(), nil
	}
	if payload, ok := pending.updates[ident.ID]; ok {
		confirmed = overlay(confirmed, payload)
	}

	body, err := schema.EncodeLocal(confirmed)
	if err == nil {
		rec := dbRecord(confirmed, body, c.deps.Now())
		if _, err := c.deps.Store.Replace(ctx, c.kind, temp, rec); err != nil {
			c.deps.Logger.Printf("Warning: failed to store confirmed %s %s: %v", c.kind, ident.ID, err)
		}
	}

	c.mu.Lock()
	if c.deps.Session.UserID() == userID {
		c.items = replaceTemporary(c.items, temp, confirmed.Clone())
		delete(c.inflight, temp)
	}
	c.mu.Unlock()

	c.deps.Cache.Invalidate(c.kind)
	c.publish()
	return confirmed.Clone(), nil
}

// resolveRefs checks the records body names by temporary id. It reports
// true while one of their creates is pending: the write must queue behind
// it. Names of records that will never be created are dropped from body.
func (c *Coordinator[E]) resolveRefs(userID string, body []byte) ([]byte, bool) {
	refs, err := schema.TemporaryRefs(c.kind, body)
	if err != nil || len(refs) == 0 {
		return body, false
	}
	for _, ref := range refs {
		if c.deps.Queue.HasPendingCreate(ref.Kind, userID, ref.ID) {
			return body, true
		}
	}
	for _, ref := range refs {
		if next, _, err := schema.RebindRefs(c.kind, body, ref.Kind, ref.ID, schema.ID{}); err == nil {
			body = next
		}
	}
	c.deps.Logger.Printf("Unlinking new %s from %d records never created remotely", c.kind, len(refs))
	return body, false
}

// behindQueue reports whether earlier writes of this kind are still queued;
// new writes then queue behind them to keep replay order.
func (c *Coordinator[E]) behindQueue(userID string) bool {
	return len(c.deps.Queue.Pending(c.kind, userID)) > 0
}

func (c *Coordinator[E]) enqueue(ctx context.Context, item E, m queue.Mutation) (E, Outcome, error) {
	if _, err := c.deps.Queue.Enqueue(ctx, m); err != nil {
		return item.Clone(), OutcomeNone, fmt.Errorf("failed to queue %s: %w", m, err)
	}
	c.deps.Cache.Invalidate(c.kind)
	c.deps.Kick()
	return item.Clone(), OutcomeQueued, nil
}
