package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pixlake/changestream/internal/alert"
	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/checkpoint"
	"github.com/pixlake/changestream/internal/clickhouse"
	"github.com/pixlake/changestream/internal/config"
	"github.com/pixlake/changestream/internal/logger"
	"github.com/pixlake/changestream/internal/metrics"
	"github.com/pixlake/changestream/internal/pipeline"
	"github.com/pixlake/changestream/internal/tracing"
)

const serviceName = "changestream"

var version = "v0.1.0-dev"

var (
	cfgFile     string
	resumeAfter string
)

var rootCmd = &cobra.Command{
	Use:   "changestream",
	Short: "changestream - change data capture into ClickHouse",
	Long:  `Streams document changes into an analytical table with resumable checkpoints`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "changestream.yaml", "config file path")
	startCmd.Flags().StringVar(&resumeAfter, "resume-after", "", "resume cursor overriding stored checkpoints on the first run")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("changestream %s\n", version)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start streaming every configured collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log, err := logger.New(logger.Config(cfg.Log), serviceName)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)
		if cfg.Metrics.Enabled {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, log); err != nil {
					log.Error().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		tp, err := tracing.Init(ctx, tracing.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, serviceName, version)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to flush traces")
			}
		}()

		b, err := openBackend(ctx, cfg, log, true)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint backend: %w", err)
		}
		defer func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close checkpoint backend")
			}
		}()

		feed, closeFeed, err := openFeed(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to open change feed: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := closeFeed(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to close change feed")
			}
		}()

		sink, err := clickhouse.NewClient(clickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create clickhouse client: %w", err)
		}
		if err := sink.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("clickhouse is not reachable yet")
		}

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		var cursor *cdc.Cursor
		if resumeAfter != "" {
			cursor = &cdc.Cursor{Data: resumeAfter}
		}

		runner := buildRunner(cfg, runnerDeps{
			feed:        feed,
			sink:        sink,
			checkpoints: checkpoint.NewStore(b.ledger, log, m),
			alerts:      alerts,
			log:         log,
			metrics:     m,
			resumeAfter: cursor,
		})

		log.Info().
			Str("source", cfg.Source.Kind).
			Strs("collections", cfg.Source.Collections).
			Str("checkpoints", cfg.Checkpoint.Backend).
			Msg("changestream is running, press Ctrl+C to stop")

		err = guard(ctx, cfg, b, time.Second, log, leaderChangeAlert(alerts, cfg.Node.ID, log), runner.Run)
		if b.node != nil && b.node.IsLeader() {
			if terr := b.node.TransferLeadership(); terr != nil {
				log.Warn().Err(terr).Msg("failed to hand over leadership")
			}
		}

		if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
			log.Info().Msg("changestream stopped")
			return nil
		}
		if terminal := pipeline.AsTerminalError(err); terminal != nil {
			log.Error().Err(err).Str("collection", terminal.Collection).Int("attempts", terminal.Attempts).Msg("pipeline gave up")
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := cmd.Context()
		b, err := openBackend(ctx, cfg, zerolog.Nop(), false)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint backend: %w", err)
		}
		defer b.Close()

		store := checkpoint.NewStore(b.ledger, zerolog.Nop(), nil)
		fmt.Printf("Checkpoint backend: %s\n", cfg.Checkpoint.Backend)
		if cfg.Replicated() {
			fmt.Printf("Reading the local replica of node %s\n", cfg.Node.ID)
		}
		fmt.Printf("\nCollections:\n")

		for _, collection := range cfg.Source.Collections {
			fmt.Printf("  - %s -> %s\n", collection, cfg.TableFor(collection))

			primary, backup, err := store.Inspect(ctx, collection)
			if err != nil {
				fmt.Printf("    Unreadable checkpoint: %v\n", err)
				continue
			}
			printRecord("Primary", primary)
			printRecord("Backup", backup)
		}

		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <collection>",
	Short: "Delete the stored checkpoints of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log, err := logger.New(logger.Config(cfg.Log), serviceName)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		b, err := openBackend(ctx, cfg, log, true)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint backend: %w", err)
		}
		defer b.Close()

		store := checkpoint.NewStore(b.ledger, log, nil)
		cleanup := func(ctx context.Context) error {
			store.Cleanup(ctx, args[0])
			return nil
		}

		if err := guard(ctx, cfg, b, 100*time.Millisecond, log, nil, cleanup); err != nil {
			return fmt.Errorf("failed to reset %s: %w", args[0], err)
		}

		fmt.Printf("Checkpoints of %s removed\n", args[0])
		return nil
	},
}

func printRecord(label string, record *checkpoint.Record) {
	if record == nil {
		fmt.Printf("    %s: none\n", label)
		return
	}
	fmt.Printf("    %s: %s (saved %s)\n", label, record.Token.Data, record.Timestamp)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
