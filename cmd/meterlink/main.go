package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/config"
	"github.com/dbehnke/meterlink/internal/logging"
)

const VERSION = "1.0.0"

func main() {
	var (
		configFile  = flag.String("config", getDefaultConfig(), "Configuration file path")
		logLevel    = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
		metricsAddr = flag.String("metrics", "", "Override metrics listen address (host:port)")
		dbPath      = flag.String("db", "", "Override registry database path")
		version     = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("meterlink v%s\n", VERSION)
		return
	}

	cfg := config.NewConfig(*configFile)
	if *configFile != "" {
		if err := cfg.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "meterlink: %v\n", err)
			os.Exit(1)
		}
	}

	level := cfg.GetLogLevel()
	if *logLevel != "" {
		level = *logLevel
	}
	if err := logging.Configure(level, cfg.GetLogDevelopment()); err != nil {
		fmt.Fprintf(os.Stderr, "meterlink: %v\n", err)
		os.Exit(1)
	}

	databasePath := cfg.GetDatabasePath()
	if *dbPath != "" {
		databasePath = *dbPath
	}
	metricsListen := cfg.GetMetricsListen()
	if *metricsAddr != "" {
		metricsListen = *metricsAddr
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	switch cmd {
	case "list", "ping", "monitor", "loopback":
	default:
		fmt.Fprintf(os.Stderr, "meterlink: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	// Cancel the command context on SIGINT or SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logging.Logger("main").Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	gateway, err := NewGateway(cfg, databasePath, metricsListen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meterlink: %v\n", err)
		os.Exit(1)
	}

	var runErr error
	switch cmd {
	case "list":
		runErr = gateway.List()
	case "ping":
		runErr = gateway.Ping(ctx, flag.Arg(1))
	case "monitor":
		runErr = gateway.Monitor(ctx, flag.Arg(1))
	case "loopback":
		runErr = gateway.Loopback(ctx)
	}

	stopErr := gateway.Stop()
	_ = logging.Sync()

	if err := multierr.Append(runErr, stopErr); err != nil {
		fmt.Fprintf(os.Stderr, "meterlink: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `meterlink v%s - host driver for meterlink USB instruments

Usage:
  meterlink [flags] <command> [args]

Commands:
  list              show the device catalog and attached instruments
  ping [serial]     open an instrument and round-trip a link ping
  monitor [serial]  open an instrument and print everything it publishes
  loopback          run the full lifecycle against the in-process emulator

The serial may be omitted when exactly one instrument is attached.

Flags:
`, VERSION)
	flag.PrintDefaults()
}

// getDefaultConfig returns the default configuration file path
func getDefaultConfig() string {
	// Check for config file in current directory first
	if _, err := os.Stat("meterlink.ini"); err == nil {
		return "meterlink.ini"
	}

	// Check system location
	systemConfig := "/etc/meterlink.ini"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}

	// Run on built-in defaults
	return ""
}
