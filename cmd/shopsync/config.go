package main

import (
	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/config"
	"github.com/tendero/shopsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Show or create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := ui.New(cmd.OutOrStdout())
		if file := src.File(); file != "" {
			out.Dim("# from %s", file)
		} else {
			out.Dim("# built-in defaults")
		}

		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "shopsync.toml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")

		if err := config.WriteTemplate(path, force); err != nil {
			return err
		}
		ui.New(cmd.OutOrStdout()).Success("Wrote %s", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
