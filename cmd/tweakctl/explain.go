package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tweakengine/internal/definition"
	"tweakengine/internal/validation"
)

func newExplainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <definition>",
		Short: "Describe what a tweak definition does",
		Long: `The explain command validates a tweak definition and prints its metadata
and actions in plain language. It does not open the history database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			def, err := definition.Load(cfg.ResolveDefinition(args[0]))
			if err != nil {
				return err
			}
			if err := validation.ValidateDefinition(def); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), definition.Explain(def))
			return nil
		},
	}
}
