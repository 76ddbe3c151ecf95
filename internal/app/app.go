// Package app wires the consensus node, state machine, and transports together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dkazak/logkv/internal/consensus"
	"github.com/dkazak/logkv/internal/service"
	"github.com/dkazak/logkv/internal/transport/lineproto"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App wires consensus and the KV state machine into a runnable service.
// All dependencies are injected; App does not create transport connections.
type App struct {
	config    Config
	logger    Logger
	consensus consensus.Consensus
	kv        *service.KV
	dispatch  *lineproto.Server
}

// New validates dependencies and constructs a runnable application.
func New(
	cfg Config,
	logger Logger,
	c consensus.Consensus,
	kvSvc *service.KV,
	dispatch *lineproto.Server,
) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if c == nil {
		return nil, fmt.Errorf("app: nil consensus")
	}
	if kvSvc == nil {
		return nil, fmt.Errorf("app: nil kv service")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("app: nil request dispatcher")
	}
	return &App{
		config:    cfg,
		logger:    logger,
		consensus: c,
		kv:        kvSvc,
		dispatch:  dispatch,
	}, nil
}

// Stop stops the underlying consensus engine.
func (a *App) Stop() {
	a.consensus.Stop()
}

// Run starts consensus, the request dispatcher, and (if configured) the
// admin HTTP listener, and blocks until ctx is canceled or a fatal error
// occurs.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a.consensus.Run(ctx)

	adminSrv, adminLis, err := a.adminServer()
	if err != nil {
		return err
	}
	if adminSrv != nil {
		defer shutdownHTTPServer(adminSrv, a.logger, "admin listener")
	}

	a.logger.Info(
		"node started",
		"server_id", a.config.ServerID,
		"consensus_type", a.config.ConsensusType,
		"listen_addr", a.config.ListenAddr,
		"admin_addr", a.config.AdminAddr,
	)

	return a.serve(ctx, adminSrv, adminLis)
}

// adminServer builds the shared HTTP server for /metrics, /debug/pprof/*
// and /admin/state. It returns nil, nil, nil when AdminAddr is empty.
func (a *App) adminServer() (*http.Server, net.Listener, error) {
	if a.config.AdminAddr == "" {
		return nil, nil, nil
	}

	mux := http.NewServeMux()
	if err := registerMetricsHandler(mux); err != nil {
		return nil, nil, err
	}
	registerPprofHandlers(mux)
	mux.HandleFunc("/admin/state", a.adminHandler())

	lis, err := net.Listen("tcp", a.config.AdminAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen admin %s: %w", a.config.AdminAddr, err)
	}

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, lis, nil
}

func shutdownHTTPServer(srv *http.Server, logger Logger, name string) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(name+" shutdown failed", "error", err)
	}
}

// serve starts the apply loop, the request dispatcher, and the optional
// admin listener, and blocks until ctx is canceled or a fatal error occurs.
func (a *App) serve(ctx context.Context, adminSrv *http.Server, adminLis net.Listener) error {
	errCh := make(chan error, 3)

	go func() {
		if err := a.kv.RunApplyLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("kv apply loop: %w", err)
		}
	}()
	go func() {
		if err := a.dispatch.Serve(ctx, a.config.ListenAddr); err != nil {
			errCh <- fmt.Errorf("request dispatcher: %w", err)
		}
	}()
	if adminSrv != nil {
		go func() {
			if err := adminSrv.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
