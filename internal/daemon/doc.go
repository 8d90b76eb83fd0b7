// Package daemon runs the background side of shopsync.
//
// A Daemon owns one execution context and, within it:
//
//   - replays the mutation queue on a timer, sooner when kicked after a local
//     write, and backs off while the remote stays unreachable
//   - refreshes every entity kind on a fixed cadence
//   - runs the notification engine and keeps its user in step with the session
//   - optionally serves the dashboard
//
// Start blocks until the context is cancelled:
//
//	d := daemon.New(daemon.Deps{
//	    Session:  sess,
//	    Queue:    q,
//	    Registry: reg,
//	    Engine:   engine,
//	}, daemon.DefaultConfig())
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package daemon
