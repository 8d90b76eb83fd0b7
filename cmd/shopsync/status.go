package main

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and queue status",
	Long: `Display what is stored locally for the active user without contacting
the API: record counts per kind, temporary records still waiting for a server
id, and the number of queued writes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		a.out.Title("shopsync status")
		a.out.KV("User", displayUser(a.sess.UserID()))
		a.out.KV("API", a.cfg.API.BaseURL)
		a.out.KV("Store", a.store.Path())
		if file := a.src.File(); file != "" {
			a.out.KV("Config", file)
		}
		a.out.KV("Queued", a.queue.Len())

		user := a.sess.UserID()
		if user == "" {
			a.out.Warn("Signed out: no local records are visible")
			return nil
		}

		rows := make([][]string, 0, len(schema.AllKinds))
		for _, kind := range schema.AllKinds {
			records, err := a.store.GetAll(ctx, kind, user)
			if err != nil {
				return err
			}
			unconfirmed := 0
			for _, r := range records {
				if r.ID.IsTemporary() {
					unconfirmed++
				}
			}
			rows = append(rows, []string{
				kind.String(),
				strconv.Itoa(len(records)),
				strconv.Itoa(unconfirmed),
				strconv.Itoa(len(a.queue.Pending(kind, user))),
			})
		}
		a.out.Table([]string{"KIND", "RECORDS", "UNCONFIRMED", "QUEUED"}, rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
