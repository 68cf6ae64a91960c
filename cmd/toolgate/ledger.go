package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/toolgate/internal/inspect"
	"github.com/mattjoyce/toolgate/internal/storage"
)

func ledgerCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Read the execution archive",
	}
	cmd.AddCommand(ledgerHistoryCmd(opts))
	return cmd
}

func ledgerHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		name     string
		limit    int
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Summarise archived executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cfg.Ledger.ArchivePath == "" {
				return errors.New("no ledger archive configured (set ledger.archive_path)")
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			ctx := cmd.Context()
			db, err := storage.OpenSQLite(ctx, cfg.Ledger.ArchivePath)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer db.Close()
			archive := storage.NewExecutionArchive(db)

			var out string
			if jsonMode {
				out, err = inspect.BuildJSONReport(ctx, archive, name, limit)
				out += "\n"
			} else {
				out, err = inspect.BuildReport(ctx, archive, name, limit)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Only show records for this capability or work type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output as JSON")
	return cmd
}
