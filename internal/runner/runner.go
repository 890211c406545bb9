// Package runner wires a worker process together: journal, traffic tap,
// diagnostics server, and the request loop on the process's stdio.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/dmworker/internal/api"
	"github.com/seantiz/dmworker/internal/config"
	"github.com/seantiz/dmworker/internal/engine"
	"github.com/seantiz/dmworker/internal/registry"
	"github.com/seantiz/dmworker/internal/store"
	"github.com/seantiz/dmworker/internal/tap"
	"github.com/seantiz/dmworker/internal/worker"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Run serves one parent over stdin and stdout until exit, end of input, or
// cancellation of ctx, and returns the process exit code. Engine instances
// come from reg, normally registry.Default. Logs go to stderr only.
// Cancelling ctx closes stdin when it is an io.Closer so a blocked read
// returns.
func Run(ctx context.Context, reg *registry.Registry, cfg config.Config, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := config.NewLogger(stderr, cfg.LogLevel)
	logger.Info("dm-worker: starting",
		"lib_dir", cfg.LibDir,
		"journal", cfg.JournalPath,
		"diag_addr", cfg.DiagAddr,
	)

	var journal store.Store
	if cfg.JournalPath != "" {
		db, err := store.NewSQLiteStore(cfg.JournalPath)
		if err != nil {
			logger.Error("open journal", "path", cfg.JournalPath, "error", err)
			return ExitFailure
		}
		defer db.Close()
		journal = db
	}

	var tp *tap.Tap
	opts := []worker.Option{}
	if journal != nil {
		opts = append(opts, worker.WithJournal(journal))
	}
	if cfg.DiagAddr != "" {
		tp = tap.New()
		opts = append(opts, worker.WithTap(tp))
	}

	w, err := worker.New(reg, cfg, logger, opts...)
	if err != nil {
		logStartupFailure(logger, err)
		return ExitFailure
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error("release engine instance", "error", err)
		}
	}()

	if tp != nil {
		srv := api.NewServer(cfg.DiagAddr, reg, journal, tp, w, logger)
		diagCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Go(func() {
			if err := srv.Run(diagCtx); err != nil {
				logger.Error("diagnostics server", "error", err)
			}
		})
		defer func() {
			tp.Close()
			cancel()
			wg.Wait()
		}()
	}

	if c, ok := stdin.(io.Closer); ok {
		stopClose := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stopClose()
	}

	if err := w.Run(ctx, stdin, stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("dm-worker: interrupted")
			return ExitOK
		}
		logger.Error("worker loop", "error", err)
		return ExitFailure
	}

	logger.Info("dm-worker: stopped")
	return ExitOK
}

func logStartupFailure(logger *slog.Logger, err error) {
	kind := "unknown"
	switch {
	case errors.Is(err, engine.ErrMissingDependency):
		kind = "missing_dependency"
	case errors.Is(err, engine.ErrLoadFailure):
		kind = "load_failure"
	case errors.Is(err, engine.ErrInstanceCreation):
		kind = "instance_creation"
	}
	logger.Error("dm-worker: startup failed", "kind", kind, "error", err)
}
