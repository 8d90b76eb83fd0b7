package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/apitest"
	"github.com/tendero/shopsync/internal/cache"
	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/notify"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/session"
	shopsync "github.com/tendero/shopsync/internal/sync"
	"github.com/tendero/shopsync/internal/transport"
)

var discard = log.New(io.Discard, "", 0)

type stack struct {
	srv    *apitest.Server
	store  *db.DB
	sess   *session.Session
	client *api.Client
	queue  *queue.Queue
	reg    *shopsync.Registry
}

func newStack(t *testing.T, userID string) *stack {
	t.Helper()
	s := &stack{
		srv:  apitest.New(t),
		sess: session.New(userID),
	}

	store, err := db.Open(filepath.Join(t.TempDir(), "shopsync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	s.store = store

	exec := transport.NewExecutor(transport.Config{
		MaxRetries: 1,
		Logger:     discard,
		Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	s.client, err = api.New(s.srv.URL, exec, s.sess)
	if err != nil {
		t.Fatalf("api.New() failed: %v", err)
	}
	s.queue, err = queue.New(context.Background(), store, s.client, queue.Config{Logger: discard})
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}
	s.reg = shopsync.NewRegistry(shopsync.Deps{
		Store:   store,
		Cache:   cache.New(time.Now),
		Remote:  s.client,
		Queue:   s.queue,
		Session: s.sess,
		Logger:  discard,
	})
	s.sess.OnChange(s.reg.HandleUserChange)
	t.Cleanup(s.reg.Close)
	return s
}

// run starts d and stops it when the test ends.
func run(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Start() returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type drainEvent struct {
	report  queue.Report
	pending int
	next    time.Duration
}

type recordingObserver struct {
	mu     sync.Mutex
	drains []drainEvent
	syncs  int
	errs   int
}

func (o *recordingObserver) OnSyncComplete(counts map[schema.Kind]int, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncs++
	if err != nil {
		o.errs++
	}
}

func (o *recordingObserver) OnDrain(r queue.Report, pending int, next time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drains = append(o.drains, drainEvent{r, pending, next})
}

func (o *recordingObserver) Drains() []drainEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]drainEvent(nil), o.drains...)
}

func (o *recordingObserver) Syncs() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncs, o.errs
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (r *recordingNotifier) Show(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) Withdraw(ctx context.Context, tags ...string) error { return nil }

func (r *recordingNotifier) Shown() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.shown...)
}

func TestDaemon_KickDrainsAfterReconnect(t *testing.T) {
	s := newStack(t, "u1")
	ctx := context.Background()

	s.srv.SetOffline(true)
	_, outcome, err := s.reg.Sales.Add(ctx, &schema.Sale{
		ProductName: "Widget",
		Quantity:    2,
		Revenue:     400,
		Date:        time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC),
	})
	if err != nil || outcome != shopsync.OutcomeQueued {
		t.Fatalf("Add() offline = %s, %v, want queued", outcome, err)
	}

	obs := &recordingObserver{}
	d := New(Deps{
		Session:  s.sess,
		Queue:    s.queue,
		Registry: s.reg,
		Observer: obs,
	}, Config{
		DrainInterval: time.Hour,
		SyncInterval:  time.Hour,
		Policy:        transport.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour},
		Logger:        discard,
	})
	run(t, d)

	// The startup drain finds the remote unreachable and backs off.
	waitFor(t, "startup drain", func() bool { return len(obs.Drains()) == 1 })
	first := obs.Drains()[0]
	if first.report.Retried != 1 || first.pending != 1 || first.next != time.Hour {
		t.Fatalf("startup drain = %+v, want 1 retried, 1 pending, next in 1h", first)
	}

	s.srv.SetOffline(false)
	d.Kick()

	waitFor(t, "queue to empty", func() bool { return s.queue.Len() == 0 })
	if got := s.srv.Items("u1", "sales"); len(got) != 1 {
		t.Errorf("remote sales = %v, want exactly one", got)
	}
	waitFor(t, "second drain report", func() bool { return len(obs.Drains()) == 2 })
	second := obs.Drains()[1]
	if second.report.Confirmed != 1 || second.pending != 0 || second.next != time.Hour {
		t.Errorf("second drain = %+v, want 1 confirmed, nothing pending, next at the drain interval", second)
	}
}

func TestDaemon_EngineFollowsSession(t *testing.T) {
	s := newStack(t, "u1")
	gadget := s.srv.Seed("u2", "products", map[string]any{"name": "Gadget", "stock": 0, "minStock": 5})

	notifier := &recordingNotifier{}
	engine := notify.New(s.store, s.client, notifier, notify.Config{Interval: time.Hour, Logger: discard})

	d := New(Deps{
		Session:  s.sess,
		Queue:    s.queue,
		Registry: s.reg,
		Engine:   engine,
	}, Config{DrainInterval: time.Hour, SyncInterval: time.Hour, Logger: discard})
	run(t, d)

	waitFor(t, "engine to adopt u1", func() bool { return engine.UserID() == "u1" })

	if !d.SetUser("u2") {
		t.Fatal("SetUser(u2) reported no change")
	}
	if d.SetUser("u2") {
		t.Error("SetUser(u2) twice reported a change")
	}

	waitFor(t, "engine to adopt u2", func() bool { return engine.UserID() == "u2" })
	waitFor(t, "out of stock notification", func() bool { return len(notifier.Shown()) == 1 })

	n := notifier.Shown()[0]
	if n.Tag != notify.Tag(notify.BucketOut, gadget) || n.UserID != "u2" {
		t.Errorf("notification = %+v, want out-of-stock for %s owned by u2", n, gadget)
	}
}

func TestDaemon_PeriodicRefresh(t *testing.T) {
	s := newStack(t, "u1")
	s.srv.Seed("u1", "products", map[string]any{"name": "Widget", "stock": 4})

	obs := &recordingObserver{}
	d := New(Deps{
		Session:  s.sess,
		Queue:    s.queue,
		Registry: s.reg,
		Observer: obs,
	}, Config{DrainInterval: time.Hour, SyncInterval: time.Hour, Logger: discard})
	run(t, d)

	waitFor(t, "startup refresh", func() bool { n, _ := obs.Syncs(); return n == 1 })
	if _, errs := obs.Syncs(); errs != 0 {
		t.Errorf("startup refresh reported %d errors", errs)
	}
	waitFor(t, "products in memory", func() bool { return len(s.reg.Products.Snapshot().Items) == 1 })
}

func TestDaemon_SyncNowWithoutUser(t *testing.T) {
	s := newStack(t, "")
	d := New(Deps{Session: s.sess, Queue: s.queue, Registry: s.reg}, Config{Logger: discard})

	counts, err := d.SyncNow(context.Background(), true)
	if err != nil || counts != nil {
		t.Errorf("SyncNow() = %v, %v, want nothing", counts, err)
	}
	if n := len(s.srv.Calls()); n != 0 {
		t.Errorf("server saw %d calls, want 0", n)
	}
}

func TestDaemon_DrainNowEmptyQueue(t *testing.T) {
	s := newStack(t, "u1")
	obs := &recordingObserver{}
	d := New(Deps{Session: s.sess, Queue: s.queue, Registry: s.reg, Observer: obs},
		Config{DrainInterval: 7 * time.Second, Logger: discard})

	report, next, err := d.DrainNow(context.Background())
	if err != nil {
		t.Fatalf("DrainNow() failed: %v", err)
	}
	if report.Attempted != 0 || next != 7*time.Second {
		t.Errorf("DrainNow() = %+v, %s, want nothing attempted and the drain interval", report, next)
	}
	if len(obs.Drains()) != 0 {
		t.Error("an empty queue should not be reported")
	}
}

func TestDaemon_NextDrain(t *testing.T) {
	d := New(Deps{Session: session.New("u1")}, Config{
		DrainInterval: 15 * time.Second,
		Policy:        transport.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		Logger:        discard,
	})

	tests := []struct {
		name   string
		report queue.Report
		want   time.Duration
	}{
		{"nothing retried", queue.Report{Attempted: 3, Confirmed: 3}, 15 * time.Second},
		{"first retry", queue.Report{Retried: 1, MaxRetry: 1}, time.Second},
		{"third retry", queue.Report{Retried: 2, MaxRetry: 3}, 4 * time.Second},
		{"capped", queue.Report{Retried: 1, MaxRetry: 12}, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.nextDrain(tt.report); got != tt.want {
				t.Errorf("nextDrain() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDaemon_StopWithoutStart(t *testing.T) {
	d := New(Deps{Session: session.New("")}, Config{Logger: discard})
	if err := d.Stop(); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}

func TestDaemon_KickNeverBlocks(t *testing.T) {
	d := New(Deps{Session: session.New("")}, Config{Logger: discard})
	for i := 0; i < 10; i++ {
		d.Kick()
	}
	if len(d.kick) != 1 {
		t.Errorf("pending kicks = %d, want 1", len(d.kick))
	}
}
