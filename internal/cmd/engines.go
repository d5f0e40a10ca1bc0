package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// enginesCmd lists the configured engines.
var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List configured engines",
	Long: `List the engines defined in the configuration file.

The first engine is the default; --engine selects another one by name.`,
	RunE: runEngines,
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}

func runEngines(cmd *cobra.Command, args []string) error {
	if cfg == nil || len(cfg.Engines) == 0 {
		fmt.Printf("No engines configured in %s\n", cfgPath)
		return nil
	}
	for i, ec := range cfg.Engines {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		model := ec.Model
		if model == "" {
			model = "-"
		}
		fmt.Printf(" %s %-12s %-12s model=%-20s %s\n", marker, ec.Name, ec.Kind, model, ec.Command)
	}
	return nil
}
