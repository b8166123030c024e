package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/adgen/internal/ui"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			snap, err := a.client().Status(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			rec := a.reconciler(nil)
			vm, err := rec.Apply(rec.Initial(jobID), snap)
			if err != nil {
				return fmt.Errorf("job %s: %w", jobID, err)
			}
			fmt.Print(ui.KeyValues("", ui.KV("job", ui.Accent(jobID)), ui.KV("status", ui.Bold(string(vm.Status)))))
			fmt.Print(ui.Checklist(vm))
			return nil
		},
	}
}
