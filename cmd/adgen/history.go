package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/adgen/internal/jobs"
	"github.com/jo-hoe/adgen/internal/ui"
)

func historyCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List jobs submitted from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := jobs.NewSQLiteStore(a.cfg.Storage.DatabasePath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() { _ = store.Close() }()
			records, err := store.ListRecords(limit)
			if err != nil {
				return err
			}
			fmt.Print(ui.History(records))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list (-1 for all)")
	return cmd
}

func contentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "contents",
		Short: "List uploaded product images that jobs can be run for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := a.client().Contents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(ui.Contents(contents))
			return nil
		},
	}
}
