package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/rondo/bulkops"
	"github.com/migadu/rondo/config"
	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/migadu/rondo/logger"
	"github.com/migadu/rondo/purge"
	"github.com/migadu/rondo/schedule"
	"github.com/migadu/rondo/server/adminapi"
	rondosync "github.com/migadu/rondo/sync"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rondo version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.Load(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "RONDO: Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "RONDO: Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(logger.Options{
		Output: cfg.Logging.Output,
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "RONDO: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("RONDO starting", "version", version, "config", *configPath)

	// Set up context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	requestTimeout, _ := cfg.Directory.GetRequestTimeout()
	retryInterval, _ := cfg.Directory.GetRetryInterval()
	client, err := directory.NewHTTPClient(directory.HTTPClientOptions{
		BaseURL:        cfg.Directory.BaseURL,
		AuthToken:      cfg.Directory.AuthToken,
		RequestTimeout: requestTimeout,
		PageSize:       cfg.Directory.PageSize,
		MaxRetries:     cfg.Directory.MaxRetries,
		RetryInterval:  retryInterval,
	})
	if err != nil {
		logger.Fatal("Failed to initialize directory client", "error", err)
	}

	retention, _ := cfg.Purge.GetRetentionWindow()
	engine := rondosync.NewEngine(database, client, rondosync.EngineOptions{
		PurgeRetention: retention,
	})

	executor := bulkops.NewExecutor(database, client, engine, bulkops.ExecutorOptions{
		PurgeRetention: retention,
		RemoteRetries:  cfg.Directory.MaxRetries,
		RetryInterval:  retryInterval,
	})
	executor.Start(ctx)

	purgeWake, _ := cfg.Purge.GetWakeInterval()
	purgeRetry, _ := cfg.Purge.GetRetryDelay()
	processor := purge.NewProcessor(database, client, purge.ProcessorOptions{
		WakeInterval: purgeWake,
		RetryDelay:   purgeRetry,
		MaxAttempts:  cfg.Purge.GetMaxAttempts(),
	})
	processor.Start(ctx)
	defer processor.Stop()

	tickInterval, _ := cfg.Scheduler.GetTickInterval()
	scheduler := schedule.New(database, engine, tickInterval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Start {
		go adminapi.Start(ctx, adminapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Store:        database,
			Runner:       engine,
			Bulk:         executor,
			Purge:        processor,
			Schedule:     scheduler,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}, errChan)
	}

	// Wait for shutdown signal or a fatal server error
	select {
	case <-ctx.Done():
		logger.Info("RONDO shutting down")
	case err := <-errChan:
		logger.Error("RONDO server error", "error", err)
		cancel()
		os.Exit(1)
	}
}
