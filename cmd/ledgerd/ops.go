package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bernard/ledger/config"
	"github.com/bernard/ledger/pkg/api/handlers"
	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/sweep"
)

// oneShot builds the app for a single command. An in-process queue would
// drop its jobs on exit, so one-off commands fall back to the synchronous
// close path instead.
func oneShot(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	defer log.Close()

	if cfg.Queue.Type == "memory" {
		log.Debug("memory queue is not shared across processes, disabling it for this command")
		cfg.Queue.Type = "disabled"
	}
	return runOneShot(cmd.Context(), cfg, log, fn)
}

func runOneShot(ctx context.Context, cfg *config.Config, log logger.Logger, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			log.Warn("error closing components", "error", err)
		}
	}()
	return fn(ctx, a)
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close idle conversations once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, opts, func(ctx context.Context, a *app) error {
				return runSweep(ctx, a, cmd.OutOrStdout())
			})
		},
	}
}

func runSweep(ctx context.Context, a *app, out io.Writer) error {
	report, err := a.sweeper.RunOnce(ctx)
	if errors.Is(err, sweep.ErrLockHeld) {
		fmt.Fprintln(out, "another sweep is running")
		return nil
	}
	if report != nil {
		fmt.Fprintf(out, "scanned %d, closed %d, failed %d (cutoff %s)\n",
			report.Scanned, len(report.Closed), len(report.Failed), report.Cutoff.Format(time.RFC3339))
	}
	return err
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [conversation-id]",
		Short: "Print the ledger snapshot, or one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, opts, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					return printConversation(ctx, a, args[0], cmd.OutOrStdout())
				}
				return printStatus(ctx, a, cmd.OutOrStdout())
			})
		},
	}
}

func printStatus(ctx context.Context, a *app, out io.Writer) error {
	snap, err := a.ledger.GetStatus(ctx)
	if err != nil {
		return err
	}
	resp := handlers.StatusResponse{Ledger: snap}
	if a.queue != nil {
		qs := &handlers.QueueStatus{Stats: a.queue.Stats()}
		if d, err := a.queue.Depth(ctx); err == nil {
			qs.Depth = &d
		}
		resp.Queue = qs
	}
	return writeJSON(out, resp)
}

func printConversation(ctx context.Context, a *app, id string, out io.Writer) error {
	conv, err := a.ledger.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(out, conv)
}

func newRetryIndexingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-indexing <conversation-id>",
		Short: "Re-enqueue the index job of a closed conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, opts, func(ctx context.Context, a *app) error {
				queued, err := a.ledger.RetryIndexing(ctx, args[0])
				if err != nil {
					return err
				}
				if !queued {
					return fmt.Errorf("retry indexing %s: %w", args[0], ledger.ErrDispatcherDisabled)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexing of %s queued\n", args[0])
				return nil
			})
		},
	}
}

func newCancelIndexingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-indexing <conversation-id>",
		Short: "Drop queued jobs of a conversation and reset its indexing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.ledger.CancelIndexing(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexing of %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
