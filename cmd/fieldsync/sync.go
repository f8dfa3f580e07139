package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workix/fieldsync/internal/config"
	"github.com/workix/fieldsync/internal/gateway"
	"github.com/workix/fieldsync/internal/store"
	"github.com/workix/fieldsync/internal/worker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("reset in-flight entries: %w", err)
	}

	gw := gateway.New(gateway.Options{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		Timeout:    time.Duration(cfg.Gateway.Timeout),
		MaxRetries: uint64(cfg.Gateway.MaxRetries),
		BackoffMin: time.Duration(cfg.Gateway.BackoffMin),
		BackoffMax: time.Duration(cfg.Gateway.BackoffMax),
	})

	coord := worker.New(db, gw, worker.Options{
		Interval:    time.Duration(cfg.Sync.Interval),
		RetryDelay:  time.Duration(cfg.Sync.RetryDelay),
		BatchSize:   cfg.Sync.BatchSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
	})

	if err := coord.RunOnce(ctx); err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}

	if coord.State() == worker.StateOffline {
		fmt.Fprintln(cmd.OutOrStdout(), "Server unreachable; changes remain queued.")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Sync complete.")
	return nil
}
