package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/api"
	"github.com/tendero/shopsync/internal/cache"
	"github.com/tendero/shopsync/internal/config"
	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/logging"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/session"
	shopsync "github.com/tendero/shopsync/internal/sync"
	"github.com/tendero/shopsync/internal/transport"
	"github.com/tendero/shopsync/internal/ui"
)

// app is the wired foreground stack shared by every command.
type app struct {
	src    *config.Source
	cfg    config.Config
	logs   *logging.Factory
	store  *db.DB
	client *api.Client
	sess   *session.Session
	queue  *queue.Queue
	reg    *shopsync.Registry
	out    *ui.Printer

	// kick is replaced by the daemon command; elsewhere writes wait for
	// the next explicit drain.
	kick func()
}

// loadConfig reads settings honouring --config and --user.
func loadConfig(cmd *cobra.Command) (*config.Source, config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	src, err := config.Open(path)
	if err != nil {
		return nil, config.Config{}, err
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		src.Set("user_id", user)
	}
	cfg, err := src.Config()
	if err != nil {
		return nil, config.Config{}, err
	}
	return src, cfg, nil
}

// openApp builds config → logging → store → transport → api → session →
// queue → registry.
func openApp(cmd *cobra.Command) (*app, error) {
	src, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	src.SetLogger(logs.Logger("config"))

	a := &app{
		src:  src,
		cfg:  cfg,
		logs: logs,
		out:  ui.New(cmd.OutOrStdout()),
		kick: func() {},
	}

	if err := a.open(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	store, err := db.OpenDriver(a.cfg.Store.Driver, a.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	a.store = store
	if err := store.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize local store: %w", err)
	}

	exec := transport.NewExecutor(transport.Config{
		MaxConcurrent: int64(a.cfg.API.MaxConcurrent),
		MaxRetries:    a.cfg.API.MaxRetries,
		Timeout:       a.cfg.API.Timeout,
		Policy:        a.policy(),
		Logger:        a.logs.Logger("transport"),
	})

	a.sess = session.New(a.cfg.UserID)
	a.client, err = api.New(a.cfg.API.BaseURL, exec, a.sess)
	if err != nil {
		return err
	}

	a.queue, err = queue.New(ctx, store, a.client, queue.Config{Logger: a.logs.Logger("queue")})
	if err != nil {
		return err
	}

	a.reg = shopsync.NewRegistry(shopsync.Deps{
		Store:              store,
		Cache:              cache.New(nil),
		Remote:             a.client,
		Queue:              a.queue,
		Session:            a.sess,
		Logger:             a.logs.Logger("sync"),
		Kick:               func() { a.kick() },
		BackgroundInterval: a.cfg.Sync.BackgroundInterval,
		RefreshInterval:    a.cfg.Sync.RefreshInterval,
	})
	a.sess.OnChange(a.reg.HandleUserChange)
	return nil
}

func (a *app) policy() transport.Policy {
	return transport.Policy{
		BaseDelay: a.cfg.API.BaseDelay,
		MaxDelay:  a.cfg.API.MaxDelay,
		Jitter:    a.cfg.API.Jitter,
	}
}

// requireUser fails commands that only make sense for a signed-in user.
func (a *app) requireUser() error {
	if a.sess.UserID() == "" {
		return fmt.Errorf("%w: set user_id in the config or pass --user", transport.ErrUnauthenticated)
	}
	return nil
}

func (a *app) Close() {
	if a.reg != nil {
		a.reg.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing local store: %v\n", err)
		}
	}
	a.logs.Close()
}
