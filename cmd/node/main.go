// Package main implements the node process that runs Raft and the line-protocol
// request dispatcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	apppkg "github.com/dkazak/logkv/internal/app"
	"github.com/dkazak/logkv/internal/consensus"
	raftconsensus "github.com/dkazak/logkv/internal/consensus/raft"
	"github.com/dkazak/logkv/internal/kv"
	"github.com/dkazak/logkv/internal/observability/metrics"
	"github.com/dkazak/logkv/internal/service"
	"github.com/dkazak/logkv/internal/snapshot"
	"github.com/dkazak/logkv/internal/transport/lineproto"
	"github.com/dkazak/logkv/internal/wal"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.ParseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()
	tracer := otel.Tracer("logkv")

	promMetrics, err := metrics.NewPrometheus(nil)
	if err != nil {
		return fmt.Errorf("node: init metrics: %w", err)
	}

	peers := make(map[int64]raftconsensus.PeerClient, len(cfg.PeerAddrs))
	for id, addr := range cfg.PeerAddrs {
		peers[id], err = lineproto.Dial(addr, tracer)
		if err != nil {
			return err
		}
	}

	w, err := wal.Open(cfg.WALPath())
	if err != nil {
		return fmt.Errorf("node: open wal: %w", err)
	}

	snapMgr, err := snapshot.NewManager(cfg.SnapshotDir(), cfg.ServerID)
	if err != nil {
		return fmt.Errorf("node: init snapshot manager: %w", err)
	}

	applyCh := make(chan consensus.ApplyMsg, 256)
	node, err := raftconsensus.NewNode(cfg.ServerID, peers, applyCh, w, snapMgr, logger, tracer, promMetrics)
	if err != nil {
		for _, p := range peers {
			_ = p.Close()
		}
		return err
	}

	store := kv.NewStore(tracer)
	kvSvc := service.NewKV(node, store, logger, tracer, promMetrics, cfg.ServerID)
	kvSvc.SnapshotEvery = cfg.SnapshotEvery

	dispatch := lineproto.NewServer(kvSvc, node, logger, tracer)

	app, err := apppkg.New(cfg, logger, node, kvSvc, dispatch)
	if err != nil {
		node.Stop()
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
