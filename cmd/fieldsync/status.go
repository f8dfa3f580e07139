package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/workix/fieldsync/internal/config"
	"github.com/workix/fieldsync/internal/store"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	tables, err := db.TableStatuses(ctx)
	if err != nil {
		return fmt.Errorf("table statuses: %w", err)
	}
	pending, failed, err := db.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}

	if statusJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"pending_queue": pending,
			"failed_queue":  failed,
			"tables":        tables,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queue: %d pending, %d failed\n\n", pending, failed)

	w := newTabWriter(out)
	fmt.Fprintln(w, "TABLE\tTOTAL\tUNSYNCED\tSYNCED\tCONFLICTS\tLAST PULL\tLAST ERROR")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			t.Table,
			t.Total,
			t.Unsynced,
			t.TotalSynced,
			t.TotalConflicts,
			formatCursor(t.LastPullCursor),
			formatError(t.LastError),
		)
	}
	w.Flush()

	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatCursor renders the pull watermark revision; zero means the table
// has never pulled.
func formatCursor(cursor int64) string {
	if cursor == 0 {
		return "never"
	}
	return strconv.FormatInt(cursor, 10)
}

func formatError(msg string) string {
	if msg == "" {
		return "-"
	}
	return msg
}
