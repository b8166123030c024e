package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	a := &app{}
	var debug bool

	root := &cobra.Command{
		Use:           "adgen",
		Short:         "Submit ad generation jobs and follow their progress",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(debug)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the YAML config (default $ADGEN_CONFIG or config.yaml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(runCmd(a))
	root.AddCommand(watchCmd(a))
	root.AddCommand(statusCmd(a))
	root.AddCommand(historyCmd(a))
	root.AddCommand(contentsCmd(a))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
