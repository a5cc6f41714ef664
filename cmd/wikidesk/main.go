// Package main implements the wikidesk binary: the offline-first sync
// core and WebSocket hub behind the time-logging desk clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/Dioshy/WikiDesk/internal/entry"
	"github.com/Dioshy/WikiDesk/internal/hub"
	"github.com/Dioshy/WikiDesk/internal/log"
	"github.com/Dioshy/WikiDesk/internal/probe"
	"github.com/Dioshy/WikiDesk/internal/queue"
	"github.com/Dioshy/WikiDesk/internal/store"
	"github.com/Dioshy/WikiDesk/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN   string `short:"p" env:"WIKIDESK_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string of the central store"`
	QueuePath     string `short:"q" env:"WIKIDESK_QUEUE_PATH" long:"queue-path" description:"Path of the durable local queue file" default:"offline_cache.db"`
	ListenAddr    string `env:"WIKIDESK_LISTEN_ADDR" long:"listen-addr" description:"Address the WebSocket endpoint listens on" default:":5000"`
	LogLevel      string `short:"l" env:"WIKIDESK_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	DrainInterval string `long:"drain-interval" description:"Interval between scheduled reconciliation cycles" default:"30s"`
	ProbeInterval string `long:"probe-interval" description:"Interval between connectivity checks" default:"30s"`
	ProbeTimeout  string `long:"probe-timeout" description:"Timeout of a single connectivity check" default:"30s"`
	Version       bool   `short:"v" long:"version" description:"Show version information"`
	Help          bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("wikidesk version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("wikidesk logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// applyMigrations brings the central schema up to date. A failure is
// not fatal: the binary must start while the store is unreachable, and
// buffered entries will only flow once the schema exists anyway.
func applyMigrations(ctx context.Context, dsn string) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, dsn)
	if err != nil {
		logrus.WithError(err).Warn("Central store unreachable, skipping migrations and starting offline")
		return
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := store.ApplyMigrations(ctx, conn); err != nil {
		logrus.WithError(err).Warn("Failed to apply migrations, entries will buffer until the schema is ready")
	}
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	drainInterval, err := time.ParseDuration(config.DrainInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid drain interval format")
	}
	probeInterval, err := time.ParseDuration(config.ProbeInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid probe interval format")
	}
	probeTimeout, err := time.ParseDuration(config.ProbeTimeout)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid probe timeout format")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// The queue must be usable before anything network-facing: entries
	// captured during an outage are the whole point.
	localQueue, err := queue.Open(config.QueuePath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open local queue")
	}
	defer func() { _ = localQueue.Close() }()

	// The pool connects lazily so startup succeeds while offline.
	pgPool, err := store.New(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid PostgreSQL configuration")
	}
	defer pgPool.Close()

	applyMigrations(ctx, config.PostgresDSN)

	connectivity := probe.New(func(ctx context.Context) error {
		return store.Check(ctx, pgPool)
	}, probeTimeout, probeInterval)

	broadcastHub := hub.New()

	syncService := sync.NewService(localQueue, connectivity, broadcastHub,
		func(ctx context.Context, idempotencyKey string, p entry.Payload) (int64, error) {
			return store.InsertEntry(ctx, pgPool, idempotencyKey, p)
		}, drainInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broadcastHub.ServeWS(syncService.HandleMessage, syncService.ConnectionStatus))

	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("addr", config.ListenAddr).Info("WebSocket endpoint listening on /ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("HTTP server shutdown was not clean")
		}
	}()

	if err := syncService.Start(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
