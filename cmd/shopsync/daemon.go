package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/daemon"
	"github.com/tendero/shopsync/internal/dashboard"
	"github.com/tendero/shopsync/internal/notify"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon until interrupted.

The daemon:
  1. Replays queued writes every queue.drain_interval, backing off while the
     API is unreachable
  2. Refreshes every kind every sync.interval
  3. Checks stock levels every notify.interval and raises notifications
  4. Serves the dashboard when dashboard.enabled is set
  5. Follows user_id changes in the config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if cmd.Flags().Changed("dashboard") {
			a.cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			a.cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		deps := daemon.Deps{
			Session:  a.sess,
			Queue:    a.queue,
			Registry: a.reg,
		}

		notifiers := notify.MultiNotifier{notify.NewLogNotifier(a.logs.Logger("notify"))}
		var handler *dashboard.Handler
		if a.cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Host:   a.cfg.Dashboard.Host,
				Port:   a.cfg.Dashboard.Port,
				Logger: a.logs.Logger("dashboard"),
			})
			handler = dashboard.NewHandler(server, a.logs.Logger("dashboard"))
			notifiers = append(notifiers, server)
			deps.Dashboard = server
			deps.Observer = handler
		}

		if a.cfg.Notify.Enabled {
			engineConfig := notify.Config{
				Interval: a.cfg.Notify.Interval,
				Logger:   a.logs.Logger("notify"),
			}
			if handler != nil {
				engineConfig.OnCycle = handler.OnCycle
			}
			deps.Engine = notify.New(a.store, a.client, notifiers, engineConfig)
		}

		d := daemon.New(deps, daemon.Config{
			DrainInterval: a.cfg.Queue.DrainInterval,
			SyncInterval:  a.cfg.Sync.Interval,
			Policy:        a.policy(),
			Logger:        a.logs.Logger("daemon"),
			Rand:          daemon.DefaultConfig().Rand,
		})
		a.kick = d.Kick
		watching := d.WatchConfig(a.src)

		a.out.Title("shopsync daemon")
		a.out.KV("User", displayUser(a.sess.UserID()))
		a.out.KV("API", a.cfg.API.BaseURL)
		a.out.KV("Store", a.cfg.Store.Path)
		if watching {
			a.out.KV("Config", a.src.File()+" (watched)")
		}
		if a.cfg.Dashboard.Enabled {
			a.out.KV("Dashboard", fmt.Sprintf("http://%s:%d", a.cfg.Dashboard.Host, a.cfg.Dashboard.Port))
		}
		a.out.Dim("Press Ctrl+C to stop")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Start blocks until the signal arrives.
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

func displayUser(id string) string {
	if id == "" {
		return "(signed out)"
	}
	return id
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the dashboard (overrides dashboard.enabled)")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (overrides dashboard.port)")

	rootCmd.AddCommand(daemonCmd)
}
