package raft

import (
	"sort"
	"time"
)

// AdminPeerState is a point-in-time snapshot of leader-side replication progress for a peer.
type AdminPeerState struct {
	NodeID     int64
	MatchIndex int64
	NextIndex  int64
}

// AdminState is a point-in-time snapshot of Raft runtime state for admin APIs.
type AdminState struct {
	NodeID            int64
	LeaderID          int64
	Role              Role
	Status            NodeStatus
	Term              int64
	CommitIndex       int64
	LastApplied       int64
	LastAppliedAt     time.Time
	LastLogIndex      int64
	LastLogTerm       int64
	SnapshotLastIndex int64
	SnapshotLastTerm  int64
	SnapshotSizeBytes int64
	ClusterMembers    []int64
	QuorumSize        int
	Peers             []AdminPeerState
}

// AdminState returns a read-only snapshot of Raft state for admin/diagnostic APIs.
func (n *Node) AdminState() AdminState {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := AdminState{
		NodeID:        n.id,
		Role:          n.role,
		Term:          n.currentTerm,
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		LastAppliedAt: n.lastAppliedAt,
		LastLogIndex:  n.lastLogIndexLocked(),
		LastLogTerm:   n.lastLogTermLocked(),
		QuorumSize:    n.quorumSize(),
	}
	if n.degraded {
		out.Status = NodeStatusDegraded
	} else {
		out.Status = NodeStatusHealthy
	}
	if n.role == Leader {
		out.LeaderID = n.id
	}

	if meta, ok, err := n.snapMgr.Metadata(); err == nil && ok {
		out.SnapshotLastIndex = meta.LastIndex
		out.SnapshotLastTerm = meta.LastTerm
		out.SnapshotSizeBytes = int64(meta.Size)
	}

	if len(n.config.Members) > 0 {
		out.ClusterMembers = append([]int64(nil), n.config.Members...)
		sort.Slice(out.ClusterMembers, func(i, j int) bool { return out.ClusterMembers[i] < out.ClusterMembers[j] })
	}

	peerIDs := make([]int64, 0, len(n.peers))
	for peerID := range n.peers {
		peerIDs = append(peerIDs, peerID)
	}
	sort.Slice(peerIDs, func(i, j int) bool { return peerIDs[i] < peerIDs[j] })

	out.Peers = make([]AdminPeerState, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		out.Peers = append(out.Peers, AdminPeerState{
			NodeID:     peerID,
			MatchIndex: n.matchIndex[peerID],
			NextIndex:  n.nextIndex[peerID],
		})
	}

	return out
}
