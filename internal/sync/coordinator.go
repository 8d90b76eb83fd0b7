package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/singleflight"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/cache"
	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/transport"
)

// Default refresh pacing.
const (
	DefaultBackgroundInterval = 30 * time.Second
	DefaultRefreshInterval    = 10 * time.Second
)

// Deps are the collaborators shared by every coordinator.
type Deps struct {
	Store   *db.DB
	Cache   *cache.Cache
	Remote  Remote
	Queue   *queue.Queue
	Session UserSource

	// Logger for coordinator activity
	Logger *log.Logger

	// Now is the clock used for refresh pacing.
	Now func() time.Time

	// Kick asks for a queue drain soon. Called after a remote call
	// succeeds and after a write is queued behind earlier ones.
	Kick func()

	// BackgroundInterval paces Load's background refresh.
	BackgroundInterval time.Duration

	// RefreshInterval paces non-forced Refresh calls.
	RefreshInterval time.Duration

	// confirmed is told when a temporary record of kind got its server id,
	// so records naming it can follow. Set by the Registry.
	confirmed func(ctx context.Context, kind schema.Kind, userID string, temp, server schema.ID)
}

func (d *Deps) fill() {
	if d.Logger == nil {
		d.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Kick == nil {
		d.Kick = func() {}
	}
	if d.BackgroundInterval <= 0 {
		d.BackgroundInterval = DefaultBackgroundInterval
	}
	if d.RefreshInterval <= 0 {
		d.RefreshInterval = DefaultRefreshInterval
	}
}

// Coordinator owns the in-memory state of one entity kind.
type Coordinator[E schema.Entity[E]] struct {
	kind    schema.Kind
	deps    Deps
	machine *fsm.FSM
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	bg     stdsync.WaitGroup

	mu             stdsync.Mutex
	items          []E
	err            error
	lastSync       time.Time
	lastRefresh    time.Time
	lastBackground time.Time
	generation     uint64
	inflight       map[schema.ID]bool
	rejected       map[schema.ID]bool
	subs           map[int]func(Snapshot[E])
	nextSub        int
}

// NewCoordinator creates the coordinator for E's kind. Store, Cache, Remote,
// Queue and Session are required.
func NewCoordinator[E schema.Entity[E]](deps Deps) *Coordinator[E] {
	deps.fill()
	var zero E
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator[E]{
		kind:     zero.Kind(),
		deps:     deps,
		machine:  newMachine(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[schema.ID]bool),
		rejected: make(map[schema.ID]bool),
		subs:     make(map[int]func(Snapshot[E])),
	}
}

// Kind returns the entity kind this coordinator manages.
func (c *Coordinator[E]) Kind() schema.Kind {
	return c.kind
}

// Close stops background refreshes and waits for them to finish.
func (c *Coordinator[E]) Close() {
	c.cancel()
	c.bg.Wait()
}

// Snapshot returns a copy of the current state.
func (c *Coordinator[E]) Snapshot() Snapshot[E] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator[E]) snapshotLocked() Snapshot[E] {
	state := State(c.machine.Current())
	return Snapshot[E]{
		Kind:      c.kind,
		Items:     cloneAll(c.items),
		IsLoading: state == StateLoading,
		Err:       c.err,
		State:     state,
		LastSync:  c.lastSync,
	}
}

// Status returns the kind-independent summary of the current state.
func (c *Coordinator[E]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Kind:     c.kind,
		Count:    len(c.items),
		State:    State(c.machine.Current()),
		Err:      c.err,
		LastSync: c.lastSync,
	}
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func unregisters it.
func (c *Coordinator[E]) Subscribe(fn func(Snapshot[E])) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator[E]) publish() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot[E]), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Reset returns the coordinator to Idle with no items. Work started before
// the reset is discarded when it completes.
func (c *Coordinator[E]) Reset() {
	c.mu.Lock()
	c.generation++
	c.items = nil
	c.err = nil
	c.lastSync = time.Time{}
	c.lastRefresh = time.Time{}
	c.lastBackground = time.Time{}
	c.inflight = make(map[schema.ID]bool)
	c.rejected = make(map[schema.ID]bool)
	c.machine.SetState(string(StateIdle))
	c.mu.Unlock()

	c.publish()
}

func (c *Coordinator[E]) user() (string, error) {
	userID := c.deps.Session.UserID()
	if userID == "" {
		return "", transport.ErrUnauthenticated
	}
	return userID, nil
}

// Load returns the local records of the active user at once and refreshes
// from the server in the background, at most once per BackgroundInterval.
// With nothing stored locally it refreshes synchronously.
func (c *Coordinator[E]) Load(ctx context.Context) ([]E, error) {
	userID, err := c.user()
	if err != nil {
		return nil, err
	}

	local, rejected := c.readLocal(ctx, userID)
	if len(local) == 0 {
		return c.refresh(ctx, false, true)
	}

	c.mu.Lock()
	gen := c.generation
	if c.deps.Session.UserID() != userID {
		c.mu.Unlock()
		return nil, transport.ErrUnauthenticated
	}
	c.items = dedupe(local, noTwins)
	for id := range rejected {
		c.rejected[id] = true
	}
	paint(c.machine)
	now := c.deps.Now()
	background := c.lastBackground.IsZero() || now.Sub(c.lastBackground) >= c.deps.BackgroundInterval
	if background {
		c.lastBackground = now
	}
	items := cloneAll(c.items)
	c.mu.Unlock()
	c.publish()

	if background {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			if _, err := c.refresh(c.ctx, false, true); err != nil && !errors.Is(err, context.Canceled) {
				c.deps.Logger.Printf("Background refresh of %s (generation %d) failed: %v", c.kind, gen, err)
			}
		}()
	}

	return items, nil
}

// Refresh fetches the kind from the cache or the server and merges it.
// Non-forced calls within RefreshInterval of the previous one return the
// current items. Force invalidates the cache entry and bypasses the pacing
// once.
func (c *Coordinator[E]) Refresh(ctx context.Context, force bool) ([]E, error) {
	return c.refresh(ctx, force, false)
}

func (c *Coordinator[E]) refresh(ctx context.Context, force, unpaced bool) ([]E, error) {
	userID, err := c.user()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	now := c.deps.Now()
	if !force && !unpaced && !c.lastRefresh.IsZero() && now.Sub(c.lastRefresh) < c.deps.RefreshInterval {
		items := cloneAll(c.items)
		c.mu.Unlock()
		return items, nil
	}
	c.lastRefresh = now
	gen := c.generation
	c.mu.Unlock()

	if force {
		c.deps.Cache.Invalidate(c.kind)
	}

	key := string(c.kind) + "/" + userID
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(ctx, userID, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneAll(res.Val.([]E)), nil
	}
}

// fetch performs one refresh for userID. Only one runs per kind and user.
func (c *Coordinator[E]) fetch(ctx context.Context, userID string, gen uint64) ([]E, error) {
	c.mu.Lock()
	if gen == c.generation {
		startLoading(c.machine)
	}
	c.mu.Unlock()
	c.publish()

	server, fromNetwork, err := c.fetchServer(ctx, userID)

	c.mu.Lock()
	if gen != c.generation {
		// The user changed while the request was running.
		c.mu.Unlock()
		return nil, fmt.Errorf("refresh of %s superseded", c.kind)
	}
	if err != nil {
		c.err = err
		finishLoading(c.machine)
		c.mu.Unlock()
		c.publish()
		return nil, err
	}
	c.mu.Unlock()

	local, rejected := c.readLocal(ctx, userID)
	pending := indexPending(c.deps.Queue.Pending(c.kind, userID))
	sending := c.deps.Queue.Sending(c.kind, userID)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil, fmt.Errorf("refresh of %s superseded", c.kind)
	}
	for id := range c.inflight {
		sending[id] = true
	}
	for id := range rejected {
		c.rejected[id] = true
	}
	// Optimistic records added since the local read are kept too.
	local = append(local, c.items...)
	merged := merge(server, local, pending, sending, c.rejected)
	c.items = merged
	c.err = nil
	c.lastSync = c.deps.Now()
	finishLoading(c.machine)
	items := cloneAll(merged)
	c.mu.Unlock()

	c.persistMerge(ctx, userID, merged)
	c.publish()

	if fromNetwork {
		c.deps.Kick()
	}
	return items, nil
}

// fetchServer returns the server list from the cache when fresh, else from
// the network.
func (c *Coordinator[E]) fetchServer(ctx context.Context, userID string) ([]E, bool, error) {
	raws, fromNetwork, err := c.serverPayload(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	items := make([]E, 0, len(raws))
	for _, raw := range raws {
		item, err := schema.DecodeWire[E](raw)
		if err != nil {
			c.deps.Logger.Printf("Warning: skipping unreadable %s record: %v", c.kind, err)
			continue
		}
		item.Identity().UserID = userID
		items = append(items, item)
	}
	return items, fromNetwork, nil
}

func (c *Coordinator[E]) serverPayload(ctx context.Context, userID string) ([]json.RawMessage, bool, error) {
	if payload, _, ok := c.deps.Cache.Get(c.kind); ok {
		var raws []json.RawMessage
		if err := json.Unmarshal(payload, &raws); err == nil {
			return raws, false, nil
		}
		c.deps.Logger.Printf("Warning: discarding unreadable %s cache entry", c.kind)
		c.deps.Cache.Invalidate(c.kind)
	}

	raws, err := c.deps.Remote.List(api.WithUser(ctx, userID), c.kind)
	if err != nil {
		return nil, false, err
	}
	// The cache is not partitioned by user; never fill it for a stale one.
	if payload, err := json.Marshal(raws); err == nil && c.deps.Session.UserID() == userID {
		c.deps.Cache.Set(c.kind, payload)
	}
	return raws, true, nil
}

// readLocal loads the Local Store records of userID and the ids among them
// the server refused to create. Failures are logged and read as empty.
func (c *Coordinator[E]) readLocal(ctx context.Context, userID string) ([]E, map[schema.ID]bool) {
	records, err := c.deps.Store.GetAll(ctx, c.kind, userID)
	if err != nil {
		c.deps.Logger.Printf("Warning: failed to read local %s: %v", c.kind, err)
		return nil, nil
	}
	items := make([]E, 0, len(records))
	var rejected map[schema.ID]bool
	for _, rec := range records {
		item, err := schema.DecodeLocal[E](rec.Payload, rec.ID, rec.UserID)
		if err != nil {
			c.deps.Logger.Printf("Warning: skipping unreadable local %s: %v", c.kind, err)
			continue
		}
		items = append(items, item)
		if rec.Rejected && rec.ID.IsTemporary() {
			if rejected == nil {
				rejected = make(map[schema.ID]bool)
			}
			rejected[rec.ID] = true
		}
	}
	return items, rejected
}

// persistMerge makes the Local Store match merged for userID.
func (c *Coordinator[E]) persistMerge(ctx context.Context, userID string, merged []E) {
	keep := make(map[schema.ID]bool, len(merged))
	for _, item := range merged {
		keep[item.Identity().ID] = true
		c.persist(ctx, item)
	}

	records, err := c.deps.Store.GetAll(ctx, c.kind, userID)
	if err != nil {
		c.deps.Logger.Printf("Warning: failed to prune local %s: %v", c.kind, err)
		return
	}
	for _, rec := range records {
		if keep[rec.ID] {
			continue
		}
		if err := c.deps.Store.DeleteByHandle(ctx, c.kind, rec.Handle); err != nil {
			c.deps.Logger.Printf("Warning: failed to prune local %s %s: %v", c.kind, rec.ID, err)
		}
	}
}

func (c *Coordinator[E]) persist(ctx context.Context, item E) {
	body, err := schema.EncodeLocal(item)
	if err != nil {
		c.deps.Logger.Printf("Warning: failed to encode local %s: %v", c.kind, err)
		return
	}
	rec := dbRecord(item, body, c.deps.Now())
	c.mu.Lock()
	rec.Rejected = c.rejected[rec.ID]
	c.mu.Unlock()
	if _, err := c.deps.Store.Put(ctx, c.kind, rec); err != nil {
		c.deps.Logger.Printf("Warning: failed to store %s %s: %v", c.kind, item.Identity().ID, err)
	}
}

func dbRecord[E schema.Entity[E]](item E, body []byte, now time.Time) db.Record {
	ident := item.Identity()
	return db.Record{ID: ident.ID, UserID: ident.UserID, Payload: body, UpdatedAt: now}
}

// isRejected reports whether the server refused to create the record.
func (c *Coordinator[E]) isRejected(id schema.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected[id]
}

func (c *Coordinator[E]) markRejected(userID string, id schema.ID, rejected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deps.Session.UserID() != userID {
		return
	}
	if rejected {
		c.rejected[id] = true
	} else {
		delete(c.rejected, id)
	}
}

// rebindRefs points the records of userID that name the temporary record
// temp of kind at its server id, in the Local Store and in memory.
func (c *Coordinator[E]) rebindRefs(ctx context.Context, userID string, kind schema.Kind, temp, server schema.ID) {
	records, err := c.deps.Store.GetAll(ctx, c.kind, userID)
	if err != nil {
		c.deps.Logger.Printf("Warning: failed to read local %s: %v", c.kind, err)
	}
	for _, rec := range records {
		body, changed, err := schema.RebindRefs(c.kind, rec.Payload, kind, temp, server)
		if err != nil || !changed {
			continue
		}
		rec.Payload = body
		if _, err := c.deps.Store.Put(ctx, c.kind, rec); err != nil {
			c.deps.Logger.Printf("Warning: failed to store %s %s: %v", c.kind, rec.ID, err)
		}
	}

	c.mu.Lock()
	changed := false
	if c.deps.Session.UserID() == userID {
		for i, item := range c.items {
			body, err := schema.EncodeLocal(item)
			if err != nil {
				continue
			}
			next, ok, err := schema.RebindRefs(c.kind, body, kind, temp, server)
			if err != nil || !ok {
				continue
			}
			ident := item.Identity()
			if rebound, err := schema.DecodeLocal[E](next, ident.ID, ident.UserID); err == nil {
				c.items[i] = rebound
				changed = true
			}
		}
	}
	c.mu.Unlock()

	if changed {
		c.deps.Cache.Invalidate(c.kind)
		c.publish()
	}
}

func (c *Coordinator[E]) unpersist(ctx context.Context, userID string, id schema.ID) {
	if err := c.deps.Store.Delete(ctx, c.kind, userID, id); err != nil {
		c.deps.Logger.Printf("Warning: failed to delete local %s %s: %v", c.kind, id, err)
	}
}

// upsertMemory replaces the entry with item's id, or appends item.
func (c *Coordinator[E]) upsertMemory(userID string, item E) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deps.Session.UserID() != userID {
		return
	}
	id := item.Identity().ID
	for i, existing := range c.items {
		if existing.Identity().ID.Equal(id) {
			c.items[i] = item.Clone()
			return
		}
	}
	c.items = append(c.items, item.Clone())
}

func (c *Coordinator[E]) removeMemory(userID string, id schema.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deps.Session.UserID() != userID {
		return
	}
	out := c.items[:0]
	for _, existing := range c.items {
		if !existing.Identity().ID.Equal(id) {
			out = append(out, existing)
		}
	}
	c.items = out
}

func cloneAll[E schema.Entity[E]](items []E) []E {
	if items == nil {
		return nil
	}
	out := make([]E, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}
