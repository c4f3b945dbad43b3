package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/sunfield/mesh-daq/internal/daq"
	"github.com/sunfield/mesh-daq/internal/devstate"
	"github.com/sunfield/mesh-daq/internal/egress"
	"github.com/sunfield/mesh-daq/internal/emulator"
	meshhttp "github.com/sunfield/mesh-daq/internal/http"
	"github.com/sunfield/mesh-daq/internal/metrics"
	"github.com/sunfield/mesh-daq/internal/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "emulate":
		runEmulate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mesh-daq <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the telemetry ingestion daemon")
	fmt.Println("  emulate       Run the panel emulator against a server")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --server <host>   Emulator: skip discovery, use this server")
}

func parseFlags(args []string) (configPath, logLevel, server string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--server":
			if i+1 < len(args) {
				server = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, string) {
	configPath, logLevelOverride, server := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, server
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// buildBuses returns the command/response bus and the batch egress
// bus per the configured driver. With Kafka one client serves both.
func buildBuses(cfg *config.Config, logger *zap.Logger) (internal, external egress.Bus) {
	if cfg.Egress.Driver == "kafka" {
		kb := egress.NewKafkaBus(cfg.Egress.Kafka, logger.Named("egress.kafka"))
		return kb, kb
	}
	internal = egress.NewNATSBus(cfg.NATS.Server, cfg.Service.InstanceID, logger.Named("egress.nats"))
	external = egress.NewNATSBus(cfg.NATS.ExternalPublishServer, cfg.Service.InstanceID, logger.Named("egress.nats.external"))
	return internal, external
}

func buildDevstate(cfg *config.Config, logger *zap.Logger) *devstate.Store {
	var rdb *redis.Client
	if cfg.Devstate.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Devstate.RedisAddr,
			DB:   cfg.Devstate.RedisDB,
		})
	}
	return devstate.New(rdb, cfg.Devstate.KeyPrefix, logger.Named("devstate"))
}

func runServe() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting mesh-daq",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	internal, external := buildBuses(cfg, logger)
	devices := buildDevstate(cfg, logger)

	// Optional Postgres monitor registry.
	var monitors *registry.Monitors
	if cfg.Registry.DSN != "" {
		var err error
		monitors, err = registry.Connect(ctx, cfg.Registry, logger.Named("registry"))
		if err != nil {
			logger.Fatal("failed to connect to monitor registry", zap.Error(err))
		}
		if err := monitors.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure registry schema", zap.Error(err))
		}
	}

	proc, err := daq.New(cfg, internal, external, devices, monitors, logger.Named("daq"))
	if err != nil {
		logger.Fatal("failed to assemble daq process", zap.Error(err))
	}

	if err := proc.Start(ctx); err != nil {
		logger.Fatal("failed to start daq process", zap.Error(err))
	}

	runDone := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(runDone)
	}()

	var dbCheck meshhttp.DBChecker
	if monitors != nil {
		dbCheck = monitors
	}
	httpServer := meshhttp.NewServer(cfg.Service.HTTPListen, proc.Gateway(), external, dbCheck, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("mesh-daq started")

	// First signal starts a graceful shutdown; a second SIGINT forces
	// exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	go func() {
		sig := <-sigCh
		if sig == syscall.SIGINT {
			logger.Warn("second interrupt, forcing exit")
			os.Exit(1)
		}
	}()

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the router, then tear the process down.
	cancel()
	<-runDone

	stopped := make(chan struct{})
	go func() {
		proc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("mesh-daq stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("mesh-daq stopped")
}

func runEmulate() {
	cfg, logger, server := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("emulator stopping", zap.String("signal", sig.String()))
		cancel()
	}()

	var faults *devstate.Store
	if cfg.Devstate.RedisAddr != "" {
		faults = buildDevstate(cfg, logger)
		defer faults.Close()
	}

	em := emulator.New(cfg, faults, logger.Named("emulator"))

	if server == "" {
		var err error
		server, err = em.Discover(ctx)
		if err != nil {
			logger.Fatal("discovery failed", zap.Error(err))
		}
	}

	if err := em.Run(ctx, server); err != nil {
		logger.Fatal("emulator failed", zap.Error(err))
	}
}
