package main

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tweakengine/internal/config"
)

type configInitOutput struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the tweakctl config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Long: `The init command writes the default configuration to the path given by
--config, or to the platform config directory. An existing file is loaded and
checked but never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cmp.Or(a.configPath, config.ConfigPath())
			cfg, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) || verrs.HasErrors() {
					return fmt.Errorf("%s: %w", path, err)
				}
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, configInitOutput{Path: path, Created: created})
			}
			if created {
				fmt.Fprintf(out, "wrote default config to %s\n", path)
			} else {
				fmt.Fprintf(out, "%s already exists\n", path)
			}
			return nil
		},
	})
	return cmd
}
