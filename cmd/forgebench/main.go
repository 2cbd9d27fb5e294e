package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgebench/forgebench/internal/cache"
	"github.com/forgebench/forgebench/internal/dbpool"
	"github.com/forgebench/forgebench/internal/server"
	"github.com/forgebench/forgebench/internal/supervisor"
	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/logger"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "forgebench",
		Short: "forgebench - pooled, cached HTTP benchmark backend",
		Long: `forgebench is a benchmark backend for load-testing a multi-process
architecture: a supervisor keeps a fleet of worker processes alive, and each
worker serves HTTP with its own bounded database connection pool and
fail-open cache-aside layer.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forgebench v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service",
		Long: `Run the service. The top-level invocation becomes the supervisor and
forks the worker fleet; workers are re-execs of this binary and are selected
by the ` + supervisor.EnvWorkerMarker + ` environment marker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "optional YAML config file")
	root.AddCommand(serveCmd)

	var initOutput string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(initOutput, config.New()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", initOutput)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "forgebench.yaml", "output file")
	configCmd.AddCommand(initCmd)
	root.AddCommand(configCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configFile string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if configFile != "" {
		if err := config.Load(configFile, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	encoding := "json"
	if cfg.Observability.Development {
		encoding = "console"
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    encoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if supervisor.IsWorkerProcess() {
		return runWorker(cfg)
	}
	return runSupervisor(cfg)
}

func runSupervisor(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.With(zap.String("role", "supervisor"), zap.Int("pid", os.Getpid()))
	sup := supervisor.New(cfg.Supervisor, supervisor.ExecSpawner("serve"), log)
	return sup.Run(ctx)
}

func runWorker(cfg *config.Config) error {
	slot := supervisor.WorkerSlot()
	log := logger.With(
		zap.String("role", "worker"),
		zap.Int("worker_slot", slot),
		zap.Int("pid", os.Getpid()),
	)

	pool := dbpool.New(cfg.Pool, dbpool.Dial(cfg.Pool.DatabaseURL), log)

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	collector := dbpool.NewCollector(pool, cfg.Observability.PoolPollInterval, log)
	go collector.Run(collectorCtx)

	cacheClient := cache.New(cfg.Cache, log)
	srv := server.New(cfg, log, pool, cacheClient)

	ln, err := server.Listen(cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	// The listener is accepting; tell the supervisor this worker is online.
	supervisor.SignalReady()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("worker draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}

	stopCollector()
	pool.Close(shutdownCtx)
	cacheClient.Close()

	log.Info("worker exited cleanly")
	return nil
}
