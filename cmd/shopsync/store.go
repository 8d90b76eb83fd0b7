package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:     "store",
	GroupID: "maint",
	Short:   "Maintain the local store",
}

var storePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove records that belong to no user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.PurgeUntagged(cmd.Context())
		if err != nil {
			return err
		}
		a.out.Success("Purged %d untagged records", n)
		return nil
	},
}

var storeForgetCmd = &cobra.Command{
	Use:   "forget <user>",
	Short: "Drop every cached record of a user",
	Long: `Drop every record stored for the given user. Refuses while that user
still has queued writes, since their local effects would be lost; pass --force
to drop the records anyway (the queued writes are kept and replayed later).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		user := args[0]
		force, _ := cmd.Flags().GetBool("force")
		queued := 0
		for _, m := range a.queue.List() {
			if m.UserID == user {
				queued++
			}
		}
		if queued > 0 && !force {
			return fmt.Errorf("user %s has %d queued writes (use --force to drop records anyway)", user, queued)
		}

		if err := a.store.ClearUser(cmd.Context(), user); err != nil {
			return err
		}
		a.out.Success("Forgot records of %s", user)
		return nil
	},
}

func init() {
	storeForgetCmd.Flags().BoolP("force", "f", false, "Drop records even with queued writes")
	storeCmd.AddCommand(storePurgeCmd)
	storeCmd.AddCommand(storeForgetCmd)
	rootCmd.AddCommand(storeCmd)
}
