// appviewctl is the operational CLI for a running AppView: control commands
// over pub/sub, dead-letter inspection, and cursor surgery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/config"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/firehose"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/queue"
)

const commandTimeout = 10 * time.Second

// newRedis connects to the queue store using the same configuration the
// service reads.
func newRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	return queue.NewClient(ctx, cfg.RedisURL, logger)
}

// newCursorStore opens the index store for cursor reads and overrides. The
// flush interval is zero so every write goes straight through.
func newCursorStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*index.CursorStore, func(), error) {
	pool, err := index.NewPool(ctx, cfg.DatabaseURL, 1)
	if err != nil {
		return nil, nil, err
	}
	store := index.NewStore(pool, logger)
	return index.NewCursorStore(store, 0, logger), pool.Close, nil
}

func newControlCommand(use, short, control string, cfg *config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			rdb, err := newRedis(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			receivers, err := queue.PublishControl(ctx, rdb, control)
			if err != nil {
				return err
			}
			if receivers == 0 {
				fmt.Println("no service instance is listening")
				return nil
			}
			fmt.Printf("command %q delivered to %d instance(s)\n", control, receivers)
			return nil
		},
	}
}

func newDeadLetterCommand(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Dump quarantined events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			rdb, err := newRedis(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			stream := queue.NewStream(rdb, queue.Options{
				Key:   cfg.StreamKey,
				Group: cfg.ConsumerGroup,
			}, logger)

			entries, err := stream.DumpDeadLetters(ctx, count)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("dead-letter stream is empty")
				return nil
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&count, "count", 20, "maximum entries to dump")
	return cmd
}

func newCursorCommand(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or override the firehose resume cursor",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the stored cursor",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(c.Context(), commandTimeout)
			defer cancel()

			cursors, closePool, err := newCursorStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closePool()

			cursor, at, err := cursors.Get(ctx, firehose.CursorName)
			if err != nil {
				if errors.Is(err, index.ErrNotFound) {
					fmt.Println("no cursor stored; next start consumes from oldest available")
					return nil
				}
				return err
			}
			fmt.Printf("cursor=%d updated=%s\n", cursor, at.UTC().Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <seq>",
		Short: "Override the stored cursor (service re-reads it on reconnect)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("seq must be an integer: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context(), commandTimeout)
			defer cancel()

			cursors, closePool, err := newCursorStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closePool()

			if err := cursors.Override(ctx, firehose.CursorName, seq); err != nil {
				return err
			}
			fmt.Printf("cursor set to %d; run `appviewctl reconnect` to apply\n", seq)
			return nil
		},
	})

	return cmd
}

func newTailCommand(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follow the live event fan-out until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb, err := newRedis(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			enc := json.NewEncoder(os.Stdout)
			queue.SubscribeEvents(ctx, rdb, func(e queue.Event) {
				_ = enc.Encode(e)
			})
			return nil
		},
	}
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:  "appviewctl [command]",
		Long: "Operational CLI for the AppView service",
	}

	root.AddCommand(
		newControlCommand("reconnect", "Force the firehose consumer to redial", queue.ControlReconnect, cfg, logger),
		newControlCommand("retry-pending", "Trigger an immediate pending-buffer retry pass", queue.ControlRetryPending, cfg, logger),
		newDeadLetterCommand(cfg, logger),
		newCursorCommand(cfg, logger),
		newTailCommand(cfg, logger),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
