// Command taskworker runs work units on behalf of an orchestrator. It speaks
// the task protocol over one duplex stream selected by TASKWORKER_TRANSPORT
// and logs JSON to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/taskworker/internal/config"
	"github.com/seantiz/taskworker/internal/diag"
	"github.com/seantiz/taskworker/internal/entry"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/store"
	"github.com/seantiz/taskworker/internal/transport"
	"github.com/seantiz/taskworker/internal/worker"
)

func main() {
	cfg := config.Load()
	session := model.NewID()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("session", session)

	if err := run(cfg, session, logger); err != nil {
		logger.Error("taskworker: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, session string, logger *slog.Logger) error {
	logger.Info("taskworker: starting",
		"transport", cfg.Transport,
		"diag_addr", cfg.DiagAddr,
		"history_db", cfg.HistoryDB,
		"wasm_dir", cfg.WasmDir,
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spec, err := transport.Parse(cfg.Transport)
	if err != nil {
		return err
	}
	if spec.Kind == transport.KindVsock {
		transport.SetupInit(config.WithComponent(logger, "init"))
	}

	var catalog *entry.Catalog
	if cfg.Catalog != "" {
		if catalog, err = entry.LoadCatalog(cfg.Catalog); err != nil {
			return err
		}
	}

	var history store.Store
	if cfg.HistoryDB != "" {
		db, err := store.NewSQLiteStore(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer db.Close()
		history = db
	}

	conn, err := transport.Open(sigCtx, spec.String())
	if err != nil {
		return err
	}
	logger.Info("orchestrator connected", "transport", spec.String())

	w, err := worker.New(sigCtx, worker.Options{
		Conn:            conn,
		Logger:          logger,
		Session:         session,
		Stderr:          os.Stderr,
		ProtoDebugFile:  cfg.ProtoDebugFile,
		WasmDir:         cfg.WasmDir,
		Catalog:         catalog,
		Store:           history,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		conn.Close()
		return err
	}

	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return w.Serve(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		if sigCtx.Err() == nil {
			return nil
		}
		logger.Info("shutting down", "grace", cfg.ShutdownTimeout)
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		if err := w.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	if cfg.DiagAddr != "" {
		srv := diag.NewServer(diag.Options{
			Addr:        cfg.DiagAddr,
			Tasks:       w.Dispatcher(),
			Store:       history,
			CORSOrigins: cfg.CORSOrigins,
			Logger:      config.WithComponent(logger, "diag"),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("taskworker: stopped")
	return nil
}
