package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	stdsync "sync"
	"time"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/schema"
)

var (
	// ErrNotRunning is returned by Send when the engine is stopped.
	ErrNotRunning = errors.New("notification engine is not running")

	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("notification engine already running")

	// ErrUnreadableListing is returned when no product in a non-empty
	// listing could be decoded.
	ErrUnreadableListing = errors.New("product listing could not be read")
)

// Lister fetches the product listing. api.Client implements it.
type Lister interface {
	List(ctx context.Context, kind schema.Kind) ([]json.RawMessage, error)
}

// ObservationStore persists the last observed stock per product.
// db.DB implements it.
type ObservationStore interface {
	Observations(ctx context.Context, userID string) (map[string]db.Observation, error)
	PutObservation(ctx context.Context, o db.Observation) error
	DeleteObservation(ctx context.Context, userID, productID string) error
	ClearObservations(ctx context.Context, userID string) error
}

// Config holds engine settings.
type Config struct {
	// Interval between periodic cycles
	Interval time.Duration

	// Logger for engine activity
	Logger *log.Logger

	Now func() time.Time

	// OnCycle, if set, is called after every cycle.
	OnCycle func(Result)
}

// DefaultConfig returns a five minute cadence.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Logger:   log.New(os.Stderr, "[notify] ", log.LstdFlags),
		Now:      time.Now,
	}
}

// Engine evaluates stock levels for one user at a time. The user is the
// engine's own, set with SET_USER_ID; it is independent of any foreground
// session. Engine also satisfies api.UserSource.
type Engine struct {
	store    ObservationStore
	remote   Lister
	notifier Notifier
	config   Config

	mu      stdsync.Mutex
	userID  string
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup

	// cycleMu serializes cycles and user changes.
	cycleMu stdsync.Mutex

	inbox chan Message

	// nextUser holds the latest SET_USER_ID not yet applied, under mu.
	nextUser *string
	userWake chan struct{}
}

// New creates a stopped engine.
func New(store ObservationStore, remote Lister, notifier Notifier, config Config) *Engine {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if notifier == nil {
		notifier = NewLogNotifier(config.Logger)
	}
	return &Engine{
		store:    store,
		remote:   remote,
		notifier: notifier,
		config:   config,
		inbox:    make(chan Message, 16),
		userWake: make(chan struct{}, 1),
	}
}

// UserID returns the user the engine checks for.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Start runs the engine loop until Stop is called or ctx is cancelled.
// A first cycle runs immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.wg.Add(1)
	go e.run(e.ctx)

	e.config.Logger.Printf("Started (every %s)", e.config.Interval)
	return nil
}

// Stop ends the loop and waits for a running cycle to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.config.Logger.Println("Stopped")
}

// Send hands msg to the running engine. SET_USER_ID never blocks: only
// the latest user is kept until the loop gets to it. Other messages block
// while the inbox is full.
func (e *Engine) Send(msg Message) error {
	e.mu.Lock()
	running, ctx := e.running, e.ctx
	if running && msg.Kind == SetUserID {
		userID := msg.UserID
		e.nextUser = &userID
	}
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if msg.Kind == SetUserID {
		select {
		case e.userWake <- struct{}{}:
		default:
		}
		return nil
	}

	select {
	case e.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			e.applyUser(ctx)
			e.Check(ctx)

		case <-e.userWake:
			e.applyUser(ctx)

		case msg := <-e.inbox:
			// A user change sent before msg applies first.
			e.applyUser(ctx)
			e.handle(ctx, msg)
		}
	}
}

func (e *Engine) applyUser(ctx context.Context) {
	e.mu.Lock()
	next := e.nextUser
	e.nextUser = nil
	e.mu.Unlock()
	if next != nil {
		e.handle(ctx, Message{Kind: SetUserID, UserID: *next})
	}
}

func (e *Engine) handle(ctx context.Context, msg Message) {
	switch msg.Kind {
	case SetUserID:
		if e.SetUser(ctx, msg.UserID) {
			e.Check(ctx)
		}

	case CheckNotifications:
		res, _ := e.Check(ctx)
		if msg.Reply != nil {
			select {
			case msg.Reply <- res:
			default:
				e.config.Logger.Println("Warning: check reply dropped, channel full")
			}
		}

	case ShowNotification:
		if msg.Notification == nil {
			e.config.Logger.Println("Warning: SHOW_NOTIFICATION without a notification")
			return
		}
		if err := e.notifier.Show(ctx, *msg.Notification); err != nil {
			e.config.Logger.Printf("Error showing notification %s: %v", msg.Notification.Tag, err)
		}

	default:
		e.config.Logger.Printf("Warning: ignoring unknown message %q", msg.Kind)
	}
}

// SetUser associates the engine with userID and reports whether it
// changed. The previous user's alerts are withdrawn and their observations
// forgotten.
func (e *Engine) SetUser(ctx context.Context, userID string) bool {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.Lock()
	prev := e.userID
	if prev == userID {
		e.mu.Unlock()
		return false
	}
	e.userID = userID
	e.mu.Unlock()

	if prev != "" {
		obs, err := e.store.Observations(ctx, prev)
		if err != nil {
			e.config.Logger.Printf("Warning: failed to read observations of %s: %v", prev, err)
		} else {
			e.clear(ctx, prev, obs, nil)
		}
	}

	e.config.Logger.Printf("Active user changed: %q -> %q", prev, userID)
	return true
}

// Check runs one cycle for the current user. The error is also recorded
// in the Result; it is informational, the engine keeps running.
func (e *Engine) Check(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	res, err := e.cycle(ctx)
	if err != nil {
		res.Err = err
		res.Skipped = "error"
		e.config.Logger.Printf("Skipping cycle for %s: %v", res.UserID, err)
	}
	if e.config.OnCycle != nil {
		e.config.OnCycle(res)
	}
	return res, err
}

func (e *Engine) cycle(ctx context.Context) (Result, error) {
	userID := e.UserID()
	res := Result{UserID: userID}
	if userID == "" {
		res.Skipped = "no user"
		return res, nil
	}

	raws, err := e.remote.List(api.WithUser(ctx, userID), schema.KindProduct)
	if err != nil {
		return res, fmt.Errorf("failed to list products: %w", err)
	}

	prev, err := e.store.Observations(ctx, userID)
	if err != nil {
		return res, err
	}

	products := e.decode(raws)
	if len(products) == 0 {
		if len(raws) > 0 {
			return res, ErrUnreadableListing
		}
		e.clear(ctx, userID, prev, &res)
		res.Skipped = "empty listing"
		return res, nil
	}
	res.Products = len(products)

	now := e.config.Now()
	seen := make(map[string]bool, len(products))
	for _, p := range products {
		id := p.ID.String()
		seen[id] = true

		var last *db.Observation
		if o, ok := prev[id]; ok {
			last = &o
		}

		d := Evaluate(last, p, userID, now)
		if err := e.apply(ctx, d, &res); err != nil {
			// Leave the observation as it was so the next cycle retries.
			e.config.Logger.Printf("Error notifying about %s: %v", id, err)
			continue
		}
		if err := e.store.PutObservation(ctx, d.Next); err != nil {
			e.config.Logger.Printf("Warning: %v", err)
		}
	}

	gone := make([]string, 0)
	for id := range prev {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		tags := Tags(id)
		if err := e.notifier.Withdraw(ctx, tags...); err != nil {
			e.config.Logger.Printf("Error withdrawing alerts of removed product %s: %v", id, err)
			continue
		}
		res.Withdrawn = append(res.Withdrawn, tags...)
		if err := e.store.DeleteObservation(ctx, userID, id); err != nil {
			e.config.Logger.Printf("Warning: %v", err)
		}
	}

	return res, nil
}

func (e *Engine) decode(raws []json.RawMessage) []*schema.Product {
	products := make([]*schema.Product, 0, len(raws))
	for _, raw := range raws {
		p, err := schema.DecodeWire[*schema.Product](raw)
		if err != nil {
			e.config.Logger.Printf("Warning: skipping unreadable product: %v", err)
			continue
		}
		if !p.ID.IsServer() {
			continue
		}
		products = append(products, p)
	}
	return products
}

func (e *Engine) apply(ctx context.Context, d Decision, res *Result) error {
	if len(d.Withdraw) > 0 {
		if err := e.notifier.Withdraw(ctx, d.Withdraw...); err != nil {
			return err
		}
		res.Withdrawn = append(res.Withdrawn, d.Withdraw...)
	}
	if d.Show != nil {
		if err := e.notifier.Show(ctx, *d.Show); err != nil {
			return err
		}
		res.Shown = append(res.Shown, d.Show.Tag)
	}
	return nil
}

// clear withdraws every alert of userID and forgets its observations.
func (e *Engine) clear(ctx context.Context, userID string, obs map[string]db.Observation, res *Result) {
	if len(obs) == 0 {
		return
	}
	ids := make([]string, 0, len(obs))
	for id := range obs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var tags []string
	for _, id := range ids {
		tags = append(tags, Tags(id)...)
	}
	if err := e.notifier.Withdraw(ctx, tags...); err != nil {
		e.config.Logger.Printf("Error withdrawing alerts of %s: %v", userID, err)
		return
	}
	if res != nil {
		res.Withdrawn = append(res.Withdrawn, tags...)
	}
	if err := e.store.ClearObservations(ctx, userID); err != nil {
		e.config.Logger.Printf("Warning: %v", err)
	}
}
