package raft

import (
	"errors"

	"github.com/dkazak/logkv/internal/wal"
)

// Role is the current Raft role of a node.
type Role int

// Node roles in the Raft state machine.
const (
	Follower Role = iota
	Candidate
	Leader
)

// String renders the role for logging and admin output.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// NodeStatus reports operational health of the node runtime.
type NodeStatus string

// Runtime health states exposed by Status.
const (
	NodeStatusHealthy  NodeStatus = "healthy"
	NodeStatusDegraded NodeStatus = "degraded"
)

// ClusterConfig holds the set of member IDs for quorum calculation.
type ClusterConfig struct {
	Members []int64
}

// AppendEntriesRequest is sent by the leader for replication and heartbeats.
type AppendEntriesRequest struct {
	Term         int64
	LeaderID     int64
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []wal.Entry
	LeaderCommit int64
}

// AppendEntriesResponse is returned by followers for AppendEntries. On
// rejection the leader simply backs nextIndex off by one and retries; no
// conflict-term fast backtracking is attempted.
type AppendEntriesResponse struct {
	Term    int64
	Success bool
}

// HardState stores persistent Raft metadata required across restarts.
type HardState struct {
	CurrentTerm int64
	VotedFor    int64
}

// RequestVoteRequest is sent by candidates during leader election.
type RequestVoteRequest struct {
	Term         int64
	CandidateID  int64
	LastLogIndex int64
	LastLogTerm  int64
}

// RequestVoteResponse is returned by peers in response to RequestVote.
type RequestVoteResponse struct {
	Term        int64
	VoteGranted bool
}

// InstallSnapshotRequest carries one chunk of a snapshot transfer from the
// leader to a lagging follower. Offset/Data/Done implement the chunked
// transfer contract; LastIncludedIndex/Term are set on every chunk (the first
// chunk's index is used to skip stale snapshots, the Done chunk's to finalize).
type InstallSnapshotRequest struct {
	Term              int64
	LeaderID          int64
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Offset            int64
	Data              []byte
	Done              bool
}

// InstallSnapshotResponse acknowledges receipt of one snapshot chunk.
type InstallSnapshotResponse struct {
	Term int64
}

// ErrNilLogger is returned when NewNode is called with a nil logger.
var ErrNilLogger = errors.New("raft: nil logger")

// ErrNilWAL is returned when NewNode is called with a nil WAL.
var ErrNilWAL = errors.New("raft: nil wal")

// ErrNilSnapshotManager is returned when NewNode is called with a nil snapshot manager.
var ErrNilSnapshotManager = errors.New("raft: nil snapshot manager")

// ErrNodeDegraded is returned when the node stopped progressing after a fatal background error.
var ErrNodeDegraded = errors.New("raft: node degraded")
