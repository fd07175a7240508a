// Package cli provides the command-line interface for the signal engine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marketpulse/internal/config"
	"marketpulse/internal/dedup"
	"marketpulse/internal/delivery"
	"marketpulse/internal/engine"
	"marketpulse/internal/entitlement"
	"marketpulse/internal/feed"
	"marketpulse/internal/logging"
	"marketpulse/internal/pipeline"
	"marketpulse/internal/scheduler"
	"marketpulse/internal/store"
	"marketpulse/internal/telegram"
)

// Version information
const Version = "0.1.0"

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "marketpulse",
		Short: "Real-time crypto market signal engine",
		Long: `Marketpulse streams futures tickers and liquidations from Binance and
Bybit, evaluates per-user thresholds against rolling baselines, and delivers
signals over Telegram under a global rate limit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSettingsCmd())
	rootCmd.AddCommand(newResetCountersCmd())
	rootCmd.AddCommand(newCleanupSignalsCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("marketpulse v%s\n", Version)
		},
	}
}

// loadApp reads configuration and builds the logger and store shared by
// every command.
func loadApp(cmd *cobra.Command) (*config.Config, zerolog.Logger, *store.Mongo, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Console = cfg.Logging.Console
	logCfg.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	logger := logging.NewLoggerWithConfig(logCfg)

	db, err := store.Connect(cmd.Context(), cfg.Mongo, logger)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	return cfg, logger, db, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the signal engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, db, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = db.Close(shutdownCtx)
			}()

			bot, err := telegram.NewClient(cfg.Telegram, logger)
			if err != nil {
				return err
			}

			loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
			if err != nil {
				return err
			}

			gate := dedup.NewGate()
			entCache := entitlement.NewCache(db, cfg.Entitlement.TTL, logger)
			queue := delivery.NewQueue(bot, entCache, db, db, db, cfg.Delivery, logger)
			eval := engine.NewEvaluator(logger)
			proc := pipeline.NewProcessor(db, eval, gate, queue, cfg.Feeds.ExistenceFlushInterval, logger)

			reset := scheduler.NewDailyReset(db, gate, loc, logger)
			cleanup := scheduler.NewCleanup(db, bot, gate, cfg.Scheduler.CleanupInterval, cfg.Scheduler.SignalMaxAge, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				queue.Run(gctx)
				return nil
			})
			g.Go(func() error { return reset.Run(gctx) })
			g.Go(func() error { return cleanup.Run(gctx) })

			if cfg.Feeds.Binance.Enabled {
				adapter := feed.NewBinanceAdapter(cfg.Feeds, proc, logger)
				g.Go(func() error { return adapter.Run(gctx) })
			}
			if cfg.Feeds.Bybit.Enabled {
				adapter := feed.NewBybitAdapter(cfg.Feeds, proc, logger)
				g.Go(func() error { return adapter.Run(gctx) })
			}

			logger.Info().Str("version", Version).Msg("Signal engine started")
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			logger.Info().Msg("Signal engine stopped")
			return err
		},
	}
}

func newResetCountersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-counters",
		Short: "Reset all daily signal counters now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, db, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(cmd.Context()) }()

			loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
			if err != nil {
				return err
			}
			reset := scheduler.NewDailyReset(db, dedup.NewGate(), loc, logger)
			return reset.Trigger(cmd.Context())
		},
	}
}

func newCleanupSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-signals",
		Short: "Delete expired signal messages now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, db, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(cmd.Context()) }()

			bot, err := telegram.NewClient(cfg.Telegram, logger)
			if err != nil {
				return err
			}
			cleanup := scheduler.NewCleanup(db, bot, dedup.NewGate(), cfg.Scheduler.CleanupInterval, cfg.Scheduler.SignalMaxAge, logger)
			return cleanup.Trigger(cmd.Context())
		},
	}
}
