package main

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and replay queued writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		mutations := a.queue.List()
		if len(mutations) == 0 {
			a.out.Success("Queue is empty")
			return nil
		}

		rows := make([][]string, 0, len(mutations))
		for _, m := range mutations {
			rows = append(rows, []string{
				strconv.FormatInt(m.Seq, 10),
				string(m.Op),
				m.Kind.String(),
				m.Target.String(),
				m.UserID,
				strconv.Itoa(m.RetryCount),
				m.EnqueuedAt.Local().Format("2006-01-02 15:04:05"),
				m.LastError,
			})
		}
		a.out.Table([]string{"SEQ", "OP", "KIND", "TARGET", "USER", "RETRIES", "QUEUED AT", "LAST ERROR"}, rows)
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued writes now",
	Long: `Replay every queued write once, in order. Writes that fail for lack of
connectivity stay queued; writes the server refuses are dropped and their
local effects rolled back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.queue.Drain(cmd.Context())
		if errors.Is(err, queue.ErrDrainInProgress) {
			a.out.Warn("A drain is already running")
			return nil
		}
		printReport(a, report)
		if err != nil {
			return err
		}
		if n := a.queue.Len(); n > 0 {
			a.out.KV("Still queued", n)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
