// Package raft contains the consensus backbone for the key-value store.
//
// It implements leader election, log replication, commit/apply flow, and
// WAL/snapshot-backed state recovery. The KV store layer sits on top via the
// consensus.Consensus interface: it submits operations through
// StartCommand(op, key, value) and applies committed entries received from
// ApplyCh().
//
// Transport wiring is intentionally kept outside this package.
package raft

import (
	"context"
	"sync"
	"time"

	"github.com/dkazak/logkv/internal/consensus"
	"github.com/dkazak/logkv/internal/snapshot"
	"github.com/dkazak/logkv/internal/wal"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// pendingSnapshot is a snapshot awaiting delivery to the apply channel.
type pendingSnapshot struct {
	pairs map[string]string
	index int64
	term  int64
}

// Node is a single Raft replica that manages elections, replication, and apply.
//
// The replicated log itself is not cached here: Node calls into wal.WAL,
// which owns the in-memory entry cache and its own lock, independent of
// n.mu. n.mu protects only role/term/vote/commit/apply bookkeeping.
type Node struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	id      int64
	peers   map[int64]PeerClient
	wal     *wal.WAL
	snapMgr *snapshot.Manager

	role        Role
	currentTerm int64
	votedFor    int64
	degraded    bool

	commitIndex   int64
	lastApplied   int64
	lastAppliedAt time.Time

	pendingSnapshot *pendingSnapshot

	// config is the active cluster configuration (source of quorum). It is
	// static at runtime, derived from the node id and peer set at construction.
	config ClusterConfig

	nextIndex         map[int64]int64
	matchIndex        map[int64]int64
	replicateInFlight map[int64]bool
	replicatePending  map[int64]bool

	electionTimeoutResetCh chan struct{}
	applyNotifyCh          chan struct{}
	replicateNotifyCh      chan struct{}

	applyCh chan consensus.ApplyMsg
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics

	startSeenAt  map[int64]time.Time
	commitSeenAt map[int64]time.Time

	newTimer          timerFactory
	newTicker         tickerFactory
	electionTimeoutFn electionTimeoutFunc
	heartbeatInterval time.Duration
}

// NewNode creates a Raft node and restores persisted state from the WAL and
// the latest local snapshot.
//
// The peers map must contain remote peers only (do not include the node itself).
// If self is present, it is ignored during normalization.
// w and snapMgr and logger are required.
func NewNode(
	id int64,
	peers map[int64]PeerClient,
	applyCh chan consensus.ApplyMsg,
	w *wal.WAL,
	snapMgr *snapshot.Manager,
	logger Logger,
	tracer oteltrace.Tracer,
	metrics Metrics,
) (*Node, error) {
	if w == nil {
		return nil, ErrNilWAL
	}
	if snapMgr == nil {
		return nil, ErrNilSnapshotManager
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	normalizedPeers := normalizePeers(id, peers)

	members := make([]int64, 0, 1+len(normalizedPeers))
	members = append(members, id)
	for peerID := range normalizedPeers {
		members = append(members, peerID)
	}

	n := &Node{
		id:                     id,
		peers:                  normalizedPeers,
		wal:                    w,
		snapMgr:                snapMgr,
		role:                   Follower,
		config:                 ClusterConfig{Members: members},
		nextIndex:              make(map[int64]int64),
		matchIndex:             make(map[int64]int64),
		replicateInFlight:      make(map[int64]bool),
		replicatePending:       make(map[int64]bool),
		electionTimeoutResetCh: make(chan struct{}, 1),
		applyNotifyCh:          make(chan struct{}, 1),
		replicateNotifyCh:      make(chan struct{}, 1),
		applyCh:                applyCh,
		logger:                 logger,
		tracer:                 tracer,
		metrics:                metrics,
		startSeenAt:            make(map[int64]time.Time),
		commitSeenAt:           make(map[int64]time.Time),
		newTimer:               defaultTimerFactory,
		newTicker:              defaultTickerFactory,
		electionTimeoutFn:      randomElectionTimeout,
		heartbeatInterval:      50 * time.Millisecond,
	}

	n.currentTerm, n.votedFor = w.LoadMetadata()

	if pairs, meta, ok, err := snapMgr.LoadLatest(); err != nil {
		return nil, err
	} else if ok {
		n.commitIndex = meta.LastIndex
		n.lastApplied = meta.LastIndex
		n.pendingSnapshot = &pendingSnapshot{pairs: pairs, index: meta.LastIndex, term: meta.LastTerm}
	}

	if last := n.lastLogIndexLocked(); n.commitIndex > last {
		n.commitIndex = last
	}

	return n, nil
}

// Run starts the Raft background loops and returns immediately.
func (n *Node) Run(ctx context.Context) {
	n.mu.Lock()
	if n.degraded {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		n.run(ctx)
	}()

	if n.applyCh != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runApplyLoop(ctx)
		}()
		n.notifyApply()
	}
}

func (n *Node) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.mu.Lock()
		if n.degraded {
			n.mu.Unlock()
			return
		}
		role := n.role
		n.mu.Unlock()

		switch role {
		case Follower:
			n.runFollower(ctx)
		case Candidate:
			n.runCandidate(ctx)
		case Leader:
			n.runLeader(ctx)
		}
	}
}

// normalizePeers returns a copy of peers without selfID.
func normalizePeers(selfID int64, peers map[int64]PeerClient) map[int64]PeerClient {
	if len(peers) == 0 {
		return map[int64]PeerClient{}
	}

	normalized := make(map[int64]PeerClient, len(peers))
	for id, client := range peers {
		if id == selfID {
			continue
		}
		normalized[id] = client
	}
	return normalized
}

// quorumSize returns the majority quorum based on the active cluster config.
func (n *Node) quorumSize() int {
	return len(n.config.Members)/2 + 1
}

// lastLogIndexLocked returns the last Raft log index (0 if the log and any
// snapshot are both empty). Caller must hold n.mu.
func (n *Node) lastLogIndexLocked() int64 {
	idx, _ := n.wal.LastInfo()
	return idx
}

// lastLogTermLocked returns the term of the last log entry, or the term of
// the most recent snapshot boundary if the log is empty. Caller must hold n.mu.
func (n *Node) lastLogTermLocked() int64 {
	_, term := n.wal.LastInfo()
	return term
}

// entryAtLocked returns the log entry at a given Raft index. Caller must hold
// n.mu and must only call this for indices known to be in range.
func (n *Node) entryAtLocked(index int64) wal.Entry {
	e, _ := n.wal.Get(index)
	return e
}

func (n *Node) electionTimeoutResetSignal() <-chan struct{} {
	return n.electionTimeoutResetCh
}

func (n *Node) markDegradedLocked(err error) {
	if err == nil || n.degraded {
		return
	}
	n.degraded = true
	n.metrics.IncRaftStorageError(n.id, "degrade")
	if n.logger != nil {
		n.logger.Error(
			"raft node degraded due to persistence error",
			"node_id", n.id,
			"error", err,
		)
	}
}

// Status reports runtime node health.
//
// A degraded node encountered a critical persistence error in a background path
// (for example election/replication processing), logs the error, and stops the
// main role loop from making further progress.
func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.degraded {
		return NodeStatusDegraded
	}
	return NodeStatusHealthy
}

func (n *Node) persistHardStateLocked() error {
	return n.wal.SaveMetadata(n.currentTerm, n.votedFor)
}
