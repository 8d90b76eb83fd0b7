package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/tendero/shopsync/internal/config"
	"github.com/tendero/shopsync/internal/dashboard"
	"github.com/tendero/shopsync/internal/notify"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/session"
	shopsync "github.com/tendero/shopsync/internal/sync"
	"github.com/tendero/shopsync/internal/transport"
)

// ErrAlreadyRunning is returned by Start on a running daemon.
var ErrAlreadyRunning = errors.New("daemon already running")

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often the queue is replayed when nothing failed
	DrainInterval time.Duration

	// SyncInterval is how often every kind is refreshed
	SyncInterval time.Duration

	// Policy shapes the delay after a drain that left transient failures
	Policy transport.Policy

	// Logger for daemon activity
	Logger *log.Logger

	// Rand returns a value in [0, 1) for backoff jitter; nil disables jitter
	Rand func() float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval: 15 * time.Second,
		SyncInterval:  time.Minute,
		Policy:        transport.DefaultPolicy(),
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
		Rand:          rand.Float64,
	}
}

// Observer receives the outcome of background work.
// *dashboard.Handler satisfies it.
type Observer interface {
	OnSyncComplete(counts map[schema.Kind]int, duration time.Duration, err error)
	OnDrain(report queue.Report, pending int, next time.Duration)
}

// Deps are the components the daemon drives. Engine, Dashboard and Observer
// are optional.
type Deps struct {
	Session   *session.Session
	Queue     *queue.Queue
	Registry  *shopsync.Registry
	Engine    *notify.Engine
	Dashboard *dashboard.Server
	Observer  Observer
}

// Daemon orchestrates queue replay, periodic refresh and notifications.
type Daemon struct {
	deps   Deps
	config Config

	kick chan struct{}

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped daemon. The engine follows every later session
// change.
func New(deps Deps, config Config) *Daemon {
	defaults := DefaultConfig()
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.Policy == (transport.Policy{}) {
		config.Policy = defaults.Policy
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		deps:   deps,
		config: config,
		kick:   make(chan struct{}, 1),
	}
	if deps.Engine != nil {
		deps.Session.OnChange(func(prev, next string) {
			d.forwardUser(next)
		})
	}
	return d
}

// Kick asks for a drain as soon as possible. It never blocks; kicks that
// arrive while one is pending are merged.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start begins the daemon's operation:
// 1. Start the dashboard, if any
// 2. Start the notification engine for the session's user
// 3. Replay the queue now and then on its schedule
// 4. Refresh all kinds on SyncInterval
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	if d.deps.Dashboard != nil {
		if err := d.deps.Dashboard.Start(); err != nil {
			d.Stop()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	if d.deps.Engine != nil {
		if err := d.deps.Engine.Start(d.ctx); err != nil {
			d.Stop()
			return fmt.Errorf("failed to start notification engine: %w", err)
		}
		d.forwardUser(d.deps.Session.UserID())
	}

	d.wg.Add(2)
	go d.drainLoop()
	go d.syncLoop()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.config.Logger.Println("Stopping daemon")

	d.wg.Wait()
	if d.deps.Engine != nil {
		d.deps.Engine.Stop()
	}
	if d.deps.Dashboard != nil {
		if err := d.deps.Dashboard.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// SetUser switches the active user. Coordinators drop the previous user's
// state, the engine follows, and queued writes get a chance to go out.
func (d *Daemon) SetUser(userID string) bool {
	if !d.deps.Session.Set(userID) {
		return false
	}
	d.config.Logger.Printf("Active user is now %q", userID)
	d.Kick()
	return true
}

// WatchConfig follows user id changes in a watched configuration source.
func (d *Daemon) WatchConfig(src *config.Source) bool {
	return src.Watch(func(c config.Config) {
		d.SetUser(c.UserID)
	})
}

func (d *Daemon) forwardUser(userID string) {
	err := d.deps.Engine.Send(notify.Message{Kind: notify.SetUserID, UserID: userID})
	if err != nil && !errors.Is(err, notify.ErrNotRunning) {
		d.config.Logger.Printf("Warning: failed to hand user to notification engine: %v", err)
	}
}

// DrainNow replays the queue once and returns the report and the delay
// before the next attempt. An empty queue is not replayed.
func (d *Daemon) DrainNow(ctx context.Context) (queue.Report, time.Duration, error) {
	if d.deps.Queue.Len() == 0 {
		return queue.Report{}, d.config.DrainInterval, nil
	}

	report, err := d.deps.Queue.Drain(ctx)
	if errors.Is(err, queue.ErrDrainInProgress) {
		return report, d.config.DrainInterval, err
	}

	next := d.nextDrain(report)
	if report.Retried > 0 {
		d.config.Logger.Printf("%d mutations still waiting on the network, next attempt in %s", report.Retried, next)
	}
	if d.deps.Observer != nil {
		d.deps.Observer.OnDrain(report, d.deps.Queue.Len(), next)
	}
	if err != nil {
		return report, next, fmt.Errorf("failed to drain queue: %w", err)
	}
	return report, next, nil
}

// nextDrain backs off while the remote is unreachable.
func (d *Daemon) nextDrain(r queue.Report) time.Duration {
	if delay := queue.NextDelay(r, d.config.Policy, d.config.Rand); delay > 0 {
		return delay
	}
	return d.config.DrainInterval
}

func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		case <-d.kick:
			timer.Stop()
		}

		_, next, err := d.DrainNow(d.ctx)
		if err != nil && !errors.Is(err, queue.ErrDrainInProgress) && d.ctx.Err() == nil {
			d.config.Logger.Printf("Warning: %v", err)
		}
		timer.Reset(next)
	}
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	d.SyncNow(d.ctx, false)

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow(d.ctx, false)
		}
	}
}

// SyncNow refreshes every kind for the active user. Without force, kinds
// refreshed within the pacing window are skipped.
func (d *Daemon) SyncNow(ctx context.Context, force bool) (map[schema.Kind]int, error) {
	if d.deps.Session.UserID() == "" {
		return nil, nil
	}

	start := time.Now()
	counts, err := d.deps.Registry.Refresh(ctx, force)
	duration := time.Since(start)

	if err != nil && ctx.Err() == nil {
		d.config.Logger.Printf("Warning: refresh failed: %v", err)
	}
	if d.deps.Observer != nil && ctx.Err() == nil {
		d.deps.Observer.OnSyncComplete(counts, duration, err)
	}
	return counts, err
}
