package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convexity_trading/internal/api"
	"convexity_trading/internal/config"
	"convexity_trading/internal/cycle"
	"convexity_trading/internal/ledger"
	"convexity_trading/internal/logger"
)

const VersionFile = "version.latest"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "convexity_engine",
		Short:        "Rules-driven options and warrants allocation engine",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newCycleCmd(), newMigrateCmd(), newVersionCmd())
	return root
}

// setup loads configuration and logging the same way for every subcommand.
func setup() *config.Config {
	cfg := config.Load()
	if cfg.Version == "dev" {
		cfg.Version = readVersion()
	}
	logger.Setup(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogLevel)
	return cfg
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			log.Println("⚠️ Engine shutting down: system signal received.")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, Telegram listener and HTTP API until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			ctx, cancel := signalContext()
			defer cancel()

			eng, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			go eng.bot.Listen(ctx, eng.ctrl.HandleCommand)
			eng.startStream(ctx)

			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           api.SetupRoutes(api.NewHandler(eng.ctrl), cfg.APIToken, cfg.MetricsEnabled),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Printf("[API] listening on %s", cfg.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("[API] server stopped: %v", err)
				}
			}()

			log.Printf("Convexity Engine %s initialized (account %s)", cfg.Version, cfg.AccountID)
			eng.bot.Notify(fmt.Sprintf("🚀 Convexity Engine %s started", cfg.Version))

			loop := time.Duration(cfg.TradingLoopIntervalMins) * time.Minute
			cycle.NewScheduler(eng.orch, eng.policy, loop).Run(ctx)

			shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := srv.Shutdown(shutdown); err != nil {
				log.Printf("[API] shutdown: %v", err)
			}
			log.Println("🛑 Engine stopped")
			return nil
		},
	}
}

func newCycleCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := cycle.ParseMode(mode)
			if err != nil {
				return err
			}
			cfg := setup()
			ctx, cancel := signalContext()
			defer cancel()

			eng, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			rep, err := eng.orch.RunCycle(ctx, m)
			if rep != nil {
				fmt.Fprintln(cmd.OutOrStdout(), rep.Summary())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(cycle.ModePreview), "preview or execute")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			return ledger.Migrate(cfg.DatabaseURL)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			v := config.Version
			if v == "dev" {
				v = readVersion()
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
		},
	}
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
