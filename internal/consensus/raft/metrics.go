package raft

import "time"

// Logger captures the slog-shaped structured logging calls the node makes.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics captures Raft-layer metric sinks used by the node implementation.
type Metrics interface {
	ObserveRaftAppendEntriesRPCDuration(nodeID, peerID int64, heartbeat bool, d time.Duration)
	IncRaftAppendEntriesReject(nodeID, peerID int64, heartbeat bool)
	IncRaftAppendEntriesRPCError(nodeID, peerID int64, heartbeat bool, kind string)
	ObserveRaftInstallSnapshotRPCDuration(nodeID, peerID int64, d time.Duration)
	ObserveRaftInstallSnapshotSendBytes(nodeID, peerID int64, n int)
	IncRaftInstallSnapshotSend(nodeID, peerID int64, result string)
	IncRaftElectionStarted(nodeID int64)
	IncRaftElectionWon(nodeID int64)
	IncRaftElectionLost(nodeID int64, reason string)
	IncRaftStorageError(nodeID int64, op string)
	SetRaftApplyLag(nodeID int64, lag int64)
	SetRaftIsLeader(nodeID int64, isLeader bool)
	ObserveRaftStartToCommitDuration(nodeID int64, d time.Duration)
	ObserveRaftCommitToApplyDuration(nodeID int64, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRaftAppendEntriesRPCDuration(int64, int64, bool, time.Duration) {}
func (noopMetrics) IncRaftAppendEntriesReject(int64, int64, bool)                         {}
func (noopMetrics) IncRaftAppendEntriesRPCError(int64, int64, bool, string)               {}
func (noopMetrics) ObserveRaftInstallSnapshotRPCDuration(int64, int64, time.Duration)      {}
func (noopMetrics) ObserveRaftInstallSnapshotSendBytes(int64, int64, int)                 {}
func (noopMetrics) IncRaftInstallSnapshotSend(int64, int64, string)                       {}
func (noopMetrics) IncRaftElectionStarted(int64)                                          {}
func (noopMetrics) IncRaftElectionWon(int64)                                              {}
func (noopMetrics) IncRaftElectionLost(int64, string)                                     {}
func (noopMetrics) IncRaftStorageError(int64, string)                                     {}
func (noopMetrics) SetRaftApplyLag(int64, int64)                                          {}
func (noopMetrics) SetRaftIsLeader(int64, bool)                                           {}
func (noopMetrics) ObserveRaftStartToCommitDuration(int64, time.Duration)                 {}
func (noopMetrics) ObserveRaftCommitToApplyDuration(int64, time.Duration)                 {}
