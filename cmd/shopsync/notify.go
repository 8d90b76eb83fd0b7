package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/notify"
)

var notifyCmd = &cobra.Command{
	Use:     "notify",
	GroupID: "sync",
	Short:   "Stock notification commands",
}

var notifyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one stock check for the active user",
	Long: `Fetch the active user's products and compare each one's stock bucket
(normal, low, out) with the last one observed. Entering low or out raises a
notification; returning to normal withdraws it. Observations are kept in the
local store, so repeated checks only report changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()

		logger := a.logs.Logger("notify")
		engine := notify.New(a.store, a.client, notify.NewLogNotifier(logger), notify.Config{Logger: logger})
		engine.SetUser(ctx, a.sess.UserID())

		res, err := engine.Check(ctx)
		if err != nil {
			a.out.Error("Check failed: %v", err)
			return err
		}
		if res.Skipped != "" {
			a.out.Dim("Skipped: %s", res.Skipped)
			return nil
		}

		a.out.KV("Products", res.Products)
		if len(res.Shown) > 0 {
			a.out.Warn("Raised: %s", strings.Join(res.Shown, ", "))
		}
		if len(res.Withdrawn) > 0 {
			a.out.KV("Withdrawn", strings.Join(res.Withdrawn, ", "))
		}
		if len(res.Shown) == 0 && len(res.Withdrawn) == 0 {
			a.out.Success("No stock changes")
		}
		return nil
	},
}

func init() {
	notifyCmd.AddCommand(notifyCheckCmd)
	rootCmd.AddCommand(notifyCmd)
}
