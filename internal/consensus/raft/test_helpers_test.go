package raft

import (
	"log/slog"
	"testing"

	"github.com/dkazak/logkv/internal/consensus"
	"github.com/dkazak/logkv/internal/snapshot"
	"github.com/dkazak/logkv/internal/wal"
)

func newTestNode(
	t *testing.T,
	id int64,
	peers map[int64]PeerClient,
	applyCh chan consensus.ApplyMsg,
) *Node {
	t.Helper()

	w, snapMgr := newTestWALAndSnapshot(t, id)

	n, err := NewNode(id, peers, applyCh, w, snapMgr, slog.Default(), testTracer, testMetrics)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n
}

func newTestWALAndSnapshot(t *testing.T, id int64) (*wal.WAL, *snapshot.Manager) {
	t.Helper()

	dir := t.TempDir()

	w, err := wal.Open(dir + "/wal.log")
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	snapMgr, err := snapshot.NewManager(dir, id)
	if err != nil {
		t.Fatalf("snapshot.NewManager: %v", err)
	}

	return w, snapMgr
}
