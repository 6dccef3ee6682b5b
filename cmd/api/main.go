// Command api serves semantic product search over an in-memory snapshot of
// the product catalog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "api",
		Short:        "Semantic product search API",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the catalog and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Load the catalog once and print its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			return reloadOnce(cmd.Context(), cfg, logger)
		},
	}

	var reason string
	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask running servers to refresh their cache over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			return triggerRefresh(cmd.Context(), cfg, logger, reason)
		},
	}
	triggerCmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in the server log")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print cache reload events published over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchReloadEvents(ctx, cfg, logger)
		},
	}

	rootCmd.AddCommand(serveCmd, reloadCmd, triggerCmd, watchCmd)
	rootCmd.RunE = serveCmd.RunE

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and installs the JSON logger as default.
func setup(configPath string) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	for _, w := range cfg.Validate() {
		logger.Warn("config", "warning", w)
	}
	return cfg, logger, nil
}

// serve starts listening immediately and loads the catalog in the
// background. A failed initial load ends the process.
func serve(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.ServiceName, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startTriggers(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.server.routes(cfg.CORSOrigin, cfg.ServiceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Refresh.Timeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := a.refresher.initialLoad(ctx); err != nil {
			errCh <- fmt.Errorf("initial cache load: %w", err)
			return
		}
		logger.Info("server ready for searches")
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		logger.Error("server stopping", "err", runErr)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// reloadOnce runs a single load, prints the resulting stats as JSON and
// exits. Useful to check connectivity and collection mapping.
func reloadOnce(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.refresher.reload(ctx, triggerStartup)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
