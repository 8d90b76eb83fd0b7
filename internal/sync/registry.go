package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
)

// Registry holds one coordinator per kind and reconciles creates confirmed
// by queue drains.
type Registry struct {
	Products  *Coordinator[*schema.Product]
	Sales     *Coordinator[*schema.Sale]
	Clients   *Coordinator[*schema.Client]
	Schedules *Coordinator[*schema.Schedule]

	deps Deps
}

// NewRegistry builds the four coordinators and registers itself as the
// queue's reconciler.
func NewRegistry(deps Deps) *Registry {
	deps.fill()
	r := &Registry{deps: deps}
	deps.confirmed = r.rebindRefs
	r.Products = NewCoordinator[*schema.Product](deps)
	r.Sales = NewCoordinator[*schema.Sale](deps)
	r.Clients = NewCoordinator[*schema.Client](deps)
	r.Schedules = NewCoordinator[*schema.Schedule](deps)
	deps.Queue.SetReconciler(r)
	return r
}

// kindCoordinator is the kind-independent surface of a Coordinator.
type kindCoordinator interface {
	Kind() schema.Kind
	Status() Status
	Reset()
	Close()
	Reconcile(ctx context.Context, m queue.Mutation, confirmed json.RawMessage) error
	refreshAny(ctx context.Context, force bool) (int, error)
	rebindRefs(ctx context.Context, userID string, kind schema.Kind, temp, server schema.ID)
	loadAny(ctx context.Context) (int, error)
}

func (c *Coordinator[E]) refreshAny(ctx context.Context, force bool) (int, error) {
	items, err := c.Refresh(ctx, force)
	return len(items), err
}

func (c *Coordinator[E]) loadAny(ctx context.Context) (int, error) {
	items, err := c.Load(ctx)
	return len(items), err
}

func (r *Registry) all() []kindCoordinator {
	return []kindCoordinator{r.Products, r.Sales, r.Clients, r.Schedules}
}

func (r *Registry) byKind(kind schema.Kind) (kindCoordinator, error) {
	for _, c := range r.all() {
		if c.Kind() == kind {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no coordinator for kind %q", kind)
}

// Reconcile implements queue.Reconciler.
func (r *Registry) Reconcile(ctx context.Context, m queue.Mutation, confirmed json.RawMessage) error {
	c, err := r.byKind(m.Kind)
	if err != nil {
		return err
	}
	return c.Reconcile(ctx, m, confirmed)
}

// rebindRefs makes records that name a newly confirmed record use its
// server id.
func (r *Registry) rebindRefs(ctx context.Context, kind schema.Kind, userID string, temp, server schema.ID) {
	for _, k := range schema.Referrers(kind) {
		if c, err := r.byKind(k); err == nil {
			c.rebindRefs(ctx, userID, kind, temp, server)
		}
	}
}

// HandleUserChange discards everything held for the previous user. Register
// it with session.OnChange.
func (r *Registry) HandleUserChange(prev, next string) {
	r.deps.Cache.Clear()
	for _, c := range r.all() {
		c.Reset()
	}
	if prev != "" || next != "" {
		r.deps.Logger.Printf("Active user changed (%q -> %q); state reset", prev, next)
	}
}

// Refresh refreshes the given kinds (all when none are given) and returns
// the item count per kind. Errors of individual kinds are joined.
func (r *Registry) Refresh(ctx context.Context, force bool, kinds ...schema.Kind) (map[schema.Kind]int, error) {
	return r.each(kinds, func(c kindCoordinator) (int, error) {
		return c.refreshAny(ctx, force)
	})
}

// Load loads the given kinds (all when none are given).
func (r *Registry) Load(ctx context.Context, kinds ...schema.Kind) (map[schema.Kind]int, error) {
	return r.each(kinds, func(c kindCoordinator) (int, error) {
		return c.loadAny(ctx)
	})
}

func (r *Registry) each(kinds []schema.Kind, fn func(kindCoordinator) (int, error)) (map[schema.Kind]int, error) {
	if len(kinds) == 0 {
		kinds = schema.AllKinds
	}
	counts := make(map[schema.Kind]int, len(kinds))
	var errs []error
	for _, kind := range kinds {
		c, err := r.byKind(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n, err := fn(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		counts[kind] = n
	}
	return counts, errors.Join(errs...)
}

// Statuses returns the state of every kind.
func (r *Registry) Statuses() []Status {
	all := r.all()
	out := make([]Status, 0, len(all))
	for _, c := range all {
		out = append(out, c.Status())
	}
	return out
}

// Close stops every coordinator's background work.
func (r *Registry) Close() {
	for _, c := range r.all() {
		c.Close()
	}
}
