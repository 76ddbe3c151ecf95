package app

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/dkazak/logkv/internal/consensus/raft"
)

// RaftInspector is the subset of *raft.Node required by the admin handler.
// *raft.Node satisfies this interface.
type RaftInspector interface {
	AdminState() raft.AdminState
}

// peerInfo is one cluster peer as rendered by the admin endpoint.
type peerInfo struct {
	NodeID     int64  `json:"node_id"`
	Address    string `json:"address"`
	MatchIndex int64  `json:"match_index"`
	NextIndex  int64  `json:"next_index"`
	Lag        int64  `json:"lag"`
}

// nodeInfo is the JSON document served at GET /admin/state. It mirrors the
// shape of the teacher's gRPC NodeInfo/RaftNodeInfo messages, flattened into
// one object since this module has only one consensus engine.
type nodeInfo struct {
	NodeID            int64      `json:"node_id"`
	ConsensusType     string     `json:"consensus_type"`
	Role              string     `json:"role"`
	Status            string     `json:"status"`
	LeaderID          int64      `json:"leader_id"`
	Term              int64      `json:"term"`
	CommitIndex       int64      `json:"commit_index"`
	LastApplied       int64      `json:"last_applied"`
	LastAppliedAt     *time.Time `json:"last_applied_at,omitempty"`
	LastLogIndex      int64      `json:"last_log_index"`
	LastLogTerm       int64      `json:"last_log_term"`
	SnapshotLastIndex int64      `json:"snapshot_last_index"`
	SnapshotLastTerm  int64      `json:"snapshot_last_term"`
	SnapshotSizeBytes int64      `json:"snapshot_size_bytes"`
	ClusterMembers    []int64    `json:"cluster_members,omitempty"`
	QuorumSize        int        `json:"quorum_size"`
	Peers             []peerInfo `json:"peers,omitempty"`
}

// adminHandler serves a read-only JSON snapshot of this node's Raft state.
// It is not reachable over the line-protocol port: it shares the optional
// admin HTTP listener with /metrics and /debug/pprof/*.
func (a *App) adminHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		info := nodeInfo{
			NodeID:        a.config.ServerID,
			ConsensusType: string(a.config.ConsensusType),
		}

		if inspector, ok := a.consensus.(RaftInspector); ok {
			rs := inspector.AdminState()

			info.Role = rs.Role.String()
			info.Status = string(rs.Status)
			info.LeaderID = rs.LeaderID
			info.Term = rs.Term
			info.CommitIndex = rs.CommitIndex
			info.LastApplied = rs.LastApplied
			if !rs.LastAppliedAt.IsZero() {
				t := rs.LastAppliedAt
				info.LastAppliedAt = &t
			}
			info.LastLogIndex = rs.LastLogIndex
			info.LastLogTerm = rs.LastLogTerm
			info.SnapshotLastIndex = rs.SnapshotLastIndex
			info.SnapshotLastTerm = rs.SnapshotLastTerm
			info.SnapshotSizeBytes = rs.SnapshotSizeBytes
			info.ClusterMembers = append([]int64(nil), rs.ClusterMembers...)
			info.QuorumSize = rs.QuorumSize

			info.Peers = make([]peerInfo, 0, len(rs.Peers))
			for _, p := range rs.Peers {
				lag := rs.LastLogIndex - p.MatchIndex
				if lag < 0 {
					lag = 0
				}
				info.Peers = append(info.Peers, peerInfo{
					NodeID:     p.NodeID,
					Address:    a.config.PeerAddrs[p.NodeID],
					MatchIndex: p.MatchIndex,
					NextIndex:  p.NextIndex,
					Lag:        lag,
				})
			}
			sort.Slice(info.Peers, func(i, j int) bool { return info.Peers[i].NodeID < info.Peers[j].NodeID })
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(info); err != nil {
			a.logger.Warn("admin handler: encode response failed", "error", err)
		}
	}
}
