// Package consensus defines the minimal interface between the replicated state
// machine and a consensus implementation.
package consensus

import (
	"context"

	"github.com/dkazak/logkv/internal/wal"
)

// Consensus is the interface implemented by the active consensus engine (Raft).
type Consensus interface {
	Run(ctx context.Context)
	StartCommand(op wal.Operation, key, value string) (index int64, isLeader bool)
	ApplyCh() <-chan ApplyMsg
	IsLeader() bool
	Snapshot(index int64, pairs map[string]string) error
	Stop()
}

// ApplyMsg is delivered by the consensus layer to the state machine: either
// a newly committed log entry, or a full snapshot to install wholesale.
type ApplyMsg struct {
	CommandValid bool
	Operation    wal.Operation
	Key          string
	Value        string
	CommandIndex int64

	SnapshotValid bool
	Snapshot      map[string]string
	SnapshotIndex int64
}
