package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ledgersync/internal/app"
	"ledgersync/internal/domain/openfinance"
	"ledgersync/internal/shared/config"
)

const defaultAdminTimeout = 10 * time.Minute

type syncFunc func(ctx context.Context, itemID string) (*openfinance.SyncResult, error)

func syncCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "sync [item-id...]",
		Short: "Run an incremental sync for items",
		Long: `Run an incremental sync for the given items, all items of a user (--user-id)
or every item (--all). Items synced by the API at the same moment are reported
as already in progress.

Examples:
  admin sync item-123
  admin sync --user-id=42
  admin sync --all --workers=8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args, opts, func(e *app.Engine) syncFunc { return e.Orchestrator.SyncNow })
		},
	}
	opts.bind(cmd)
	return cmd
}

func refreshCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "refresh [item-id...]",
		Short: "Ask the provider to refresh items, then sync them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args, opts, func(e *app.Engine) syncFunc { return e.Orchestrator.RefreshThenSync })
		},
	}
	opts.bind(cmd)
	return cmd
}

type runOptions struct {
	userID  int64
	all     bool
	workers int
	timeout time.Duration
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&o.userID, "user-id", 0, "select all items of this user")
	cmd.Flags().BoolVar(&o.all, "all", false, "select every item")
	cmd.Flags().IntVar(&o.workers, "workers", 4, "number of items synced concurrently")
	cmd.Flags().DurationVar(&o.timeout, "timeout", defaultAdminTimeout, "timeout for the whole operation")
}

func runSync(cmd *cobra.Command, args []string, opts runOptions, pick func(*app.Engine) syncFunc) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	return withEngine(ctx, func(e *app.Engine) error {
		ids, err := selectItemIDs(ctx, e, args, opts)
		if err != nil {
			return err
		}

		results := make([]*openfinance.SyncResult, len(ids))
		run := pick(e)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(opts.workers, 1))
		for i, id := range ids {
			g.Go(func() error {
				result, err := run(gctx, id)
				if result == nil {
					result = &openfinance.SyncResult{ItemID: id, Outcome: openfinance.OutcomeFailed}
				}
				if err != nil && result.Error == "" {
					result.Error = err.Error()
				}
				results[i] = result
				return nil
			})
		}
		_ = g.Wait()

		failed := 0
		for _, r := range results {
			if r.Outcome == openfinance.OutcomeFailed {
				failed++
			}
		}

		if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d items failed", failed, len(results))
		}
		return nil
	})
}

func selectItemIDs(ctx context.Context, e *app.Engine, args []string, opts runOptions) ([]string, error) {
	switch {
	case len(args) > 0:
		return args, nil
	case opts.userID > 0:
		items, err := e.Items.ListByUserID(ctx, opts.userID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		return ids, nil
	case opts.all:
		items, err := e.Items.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		return ids, nil
	default:
		return nil, errors.New("specify item IDs, --user-id or --all")
	}
}

func withEngine(ctx context.Context, fn func(e *app.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.StoragePostgres {
		return fmt.Errorf("admin commands need STORAGE_DRIVER=%s", config.StoragePostgres)
	}

	e, err := app.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	return fn(e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
