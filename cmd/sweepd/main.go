package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/sweepd/internal/config"
	"github.com/dray-io/sweepd/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("sweepd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "sweeper":
		runSweeper(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("sweepd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: sweepd <command> [options]

Commands:
  sweeper     Run the background sweeper
  admin       Administrative commands (status, priority, reset, backup, restore)
  version     Print version information

Run 'sweepd <command> --help' for more information on a command.`)
}

// loadConfig loads configuration from path, or from the default location
// when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func runSweeper(args []string) {
	fs := flag.NewFlagSet("sweeper", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9091)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	instanceID := fs.String("instance-id", "", "Override instance ID (default: auto-generated UUID)")
	shardIndex := fs.Int("shard-index", -1, "Override the table shard owned by this instance")

	fs.Usage = func() {
		fmt.Println(`Usage: sweepd sweeper [options]

Run the background sweeper. It repeatedly picks the table most in need of
sweeping, deletes stale versions one batch at a time and records resumable
progress. With the lease enabled only one instance sweeps at a time.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply CLI overrides
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *shardIndex >= 0 {
		cfg.Sweep.ShardIndex = *shardIndex
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid shard index: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	opts := SweeperOptions{
		Config:     cfg,
		Logger:     logger,
		InstanceID: *instanceID,
		Version:    version,
		GitCommit:  gitCommit,
		BuildTime:  buildTime,
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}

	sweeper, err := NewSweeper(opts)
	if err != nil {
		logger.Errorf("failed to create sweeper", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := sweeper.Start(ctx); err != nil {
		logger.Errorf("failed to start sweeper", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	sig := <-sigCh
	logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sweeper.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
