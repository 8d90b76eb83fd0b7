package sync

import (
	"context"
	"io"
	"log"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/apitest"
	"github.com/tendero/shopsync/internal/cache"
	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/session"
	"github.com/tendero/shopsync/internal/transport"
)

type fakeClock struct {
	mu stdsync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// harness wires the real stack against the in-memory API server.
type harness struct {
	srv    *apitest.Server
	store  *db.DB
	sess   *session.Session
	clock  *fakeClock
	cache  *cache.Cache
	client *api.Client
	queue  *queue.Queue
	reg    *Registry
}

type harnessOption func(*Deps)

func withRefreshInterval(d time.Duration) harnessOption {
	return func(deps *Deps) { deps.RefreshInterval = d }
}

func newHarness(t *testing.T, userID string, opts ...harnessOption) *harness {
	t.Helper()
	discard := log.New(io.Discard, "", 0)

	h := &harness{
		srv:   apitest.New(t),
		sess:  session.New(userID),
		clock: newFakeClock(),
	}

	store, err := db.Open(filepath.Join(t.TempDir(), "shopsync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	h.store = store

	exec := transport.NewExecutor(transport.Config{
		MaxRetries: 1,
		Logger:     discard,
		Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	h.client, err = api.New(h.srv.URL, exec, h.sess)
	if err != nil {
		t.Fatalf("api.New() failed: %v", err)
	}

	h.queue, err = queue.New(context.Background(), store, h.client, queue.Config{Logger: discard})
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}

	h.cache = cache.New(h.clock.Now)
	deps := Deps{
		Store:   store,
		Cache:   h.cache,
		Remote:  h.client,
		Queue:   h.queue,
		Session: h.sess,
		Logger:  discard,
		Now:     h.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.reg = NewRegistry(deps)
	h.sess.OnChange(h.reg.HandleUserChange)
	t.Cleanup(h.reg.Close)

	return h
}
