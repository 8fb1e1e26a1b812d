package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/eltadmin/alice/internal/config"
	"github.com/eltadmin/alice/internal/economy"
	"github.com/eltadmin/alice/internal/events"
	"github.com/eltadmin/alice/internal/journal"
	"github.com/eltadmin/alice/internal/logging"
	"github.com/eltadmin/alice/internal/server"
	"github.com/eltadmin/alice/internal/store"
)

const (
	exitOK    = 0
	exitSetup = 1
	exitBind  = 2
)

// journalCapacity bounds the transactions waiting for the sinks.
const journalCapacity = 4096

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("alice", pflag.ContinueOnError)
	configPath := flags.String("config", "config.ini", "path to configuration file")
	logDir := flags.String("log-dir", "", "log directory (overrides [LOGGING] Path and LOG_PATH)")
	writeConfig := flags.String("write-config", "", "write the effective configuration to this file and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitSetup
	}

	// The config file is only mandatory when named explicitly.
	cfg, err := config.LoadConfig(*configPath, flags.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "alice: %v\n", err)
		return exitSetup
	}
	if *logDir != "" {
		cfg.Logging.Path = *logDir
	}

	if *writeConfig != "" {
		if err := cfg.Save(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "alice: writing config: %v\n", err)
			return exitSetup
		}
		return exitOK
	}

	logger, logCloser, err := logging.New(logging.Options{
		Dir:           cfg.Logging.Path,
		Debug:         cfg.Logging.Debug,
		MaxLines:      cfg.Logging.MaxLines,
		RetentionDays: cfg.Logging.RetentionDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "alice: %v\n", err)
		return exitSetup
	}
	defer logCloser.Close()

	logger.Info("alice starting", "config", *configPath, "address", cfg.Address())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	var (
		sinks   []journal.Sink
		closers []io.Closer
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("closing sink", "error", err)
			}
		}
	}()

	var history server.History
	if cfg.Store.Path != "" {
		txStore, err := store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("opening transaction store", "path", cfg.Store.Path, "error", err)
			return exitSetup
		}
		sinks = append(sinks, txStore)
		closers = append(closers, txStore)
		history = txStore
		logger.Info("transaction store enabled", "path", cfg.Store.Path)
	}
	if len(cfg.Events.Brokers) > 0 {
		publisher := events.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		sinks = append(sinks, publisher)
		closers = append(closers, publisher)
		logger.Info("event publishing enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	var recorder economy.Recorder
	var txJournal *journal.Journal
	if len(sinks) > 0 {
		txJournal = journal.New(journalCapacity, logger.With("component", "journal"), sinks...)
		recorder = txJournal
	}

	ledger := economy.New(economy.Config{
		Wallets:  cfg.Economy.Wallets,
		LogLimit: cfg.Economy.LogLimit,
		Seed:     cfg.Economy.Seed,
		Recorder: recorder,
		Logger:   logger.With("component", "economy"),
	})

	httpServer := server.NewHTTPServer(server.HTTPConfig{
		Ledger:  ledger,
		History: history,
		Logins:  cfg.HTTP.Logins,
		Logger:  logger.With("component", "http"),
	})
	process := server.NewProcess(server.ProcessConfig{
		Address:     cfg.Address(),
		Handler:     httpServer,
		GracePeriod: cfg.Service.GracePeriod,
		IdleTimeout: time.Duration(cfg.Service.DropNoActivity) * time.Second,
		Logger:      logger,
	})
	httpServer.AttachStatus(process)

	if err := process.Start(); err != nil {
		var bindErr *server.BindError
		if errors.As(err, &bindErr) {
			logger.Error("cannot bind service address", "address", bindErr.Address, "error", bindErr.Err)
			return exitBind
		}
		logger.Error("starting service", "error", err)
		return exitSetup
	}

	// Background workers stop with the service, not with the signal, so
	// the journal sees every transaction committed while draining.
	workCtx, stopWork := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := ledger.Run(workCtx, cfg.Economy.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("simulation stopped", "error", err)
		}
	}()
	if txJournal != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := txJournal.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("journal stopped", "error", err)
			}
		}()
	}

	serveErr := process.Serve(ctx)

	stopWork()
	workers.Wait()
	if txJournal != nil {
		logger.Info("journal closed",
			"written", txJournal.Written(),
			"failed", txJournal.Failed(),
			"dropped", txJournal.Dropped(),
		)
	}

	switch {
	case serveErr == nil:
	case errors.Is(serveErr, server.ErrShutdownTimeout):
		logger.Warn("shutdown forced", "error", serveErr)
	default:
		logger.Error("service failed", "error", serveErr)
		return exitSetup
	}
	logger.Info("alice stopped")
	return exitOK
}
