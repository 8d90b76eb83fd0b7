package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
)

var syncCmd = &cobra.Command{
	Use:     "sync [kinds...]",
	GroupID: "sync",
	Short:   "Replay queued writes and refresh from the API",
	Long: `Replay queued writes, then refresh the given kinds (product, sale,
client, schedule; all when none are named) for the active user.

Kinds refreshed within sync.refresh_interval are skipped unless --force
is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := make([]schema.Kind, 0, len(args))
		for _, arg := range args {
			kind, err := schema.ParseKind(arg)
			if err != nil {
				return err
			}
			kinds = append(kinds, kind)
		}
		force, _ := cmd.Flags().GetBool("force")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()

		if a.queue.Len() > 0 {
			report, err := a.queue.Drain(ctx)
			if err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
				return fmt.Errorf("failed to drain queue: %w", err)
			}
			printReport(a, report)
		}

		start := time.Now()
		counts, err := a.reg.Refresh(ctx, force, kinds...)

		rows := make([][]string, 0, len(counts))
		for _, kind := range schema.AllKinds {
			if n, ok := counts[kind]; ok {
				rows = append(rows, []string{kind.String(), strconv.Itoa(n)})
			}
		}
		if len(rows) > 0 {
			a.out.Table([]string{"KIND", "RECORDS"}, rows)
		}

		if err != nil {
			a.out.Error("Refresh failed: %v", err)
			return err
		}
		a.out.Success("Sync complete in %s", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func printReport(a *app, r queue.Report) {
	if r.Attempted == 0 && r.Deferred == 0 && r.Held == 0 {
		a.out.Dim("Queue: nothing to replay")
		return
	}
	a.out.KV("Confirmed", r.Confirmed)
	if r.Retried > 0 {
		a.out.Warn("%d waiting on the network", r.Retried)
	}
	if r.Deferred+r.Held > 0 {
		a.out.KV("Waiting", r.Deferred+r.Held)
	}
	if r.Dropped > 0 {
		a.out.KV("Dropped", r.Dropped)
	}
	for _, rej := range r.Rejected {
		a.out.Error("Refused %s: %v", rej.Mutation, rej.Err)
	}
}

func init() {
	syncCmd.Flags().BoolP("force", "f", false, "Refresh even if recently refreshed")

	rootCmd.AddCommand(syncCmd)
}
