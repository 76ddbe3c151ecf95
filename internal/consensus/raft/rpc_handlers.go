package raft

import (
	"context"

	"github.com/dkazak/logkv/internal/wal"
)

// HandleRequestVote handles a Raft RequestVote RPC from a candidate.
func (n *Node) HandleRequestVote(
	_ context.Context,
	req *RequestVoteRequest,
) (*RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return nil, ErrNodeDegraded
	}

	n.logger.Debug("received RequestVote",
		"node_id", n.id,
		"from", req.CandidateID,
		"candidate_term", req.Term,
		"current_term", n.currentTerm,
		"candidate_last_log_index", req.LastLogIndex,
		"candidate_last_log_term", req.LastLogTerm,
	)

	resp := &RequestVoteResponse{
		Term:        n.currentTerm,
		VoteGranted: false,
	}

	if req.Term < n.currentTerm {
		n.logger.Debug("rejected vote: stale term",
			"node_id", n.id,
			"from", req.CandidateID,
			"candidate_term", req.Term,
			"current_term", n.currentTerm,
		)
		return resp, nil
	}

	if req.Term > n.currentTerm {
		prevTerm := n.currentTerm
		prevVotedFor := n.votedFor
		prevRole := n.role
		n.currentTerm = req.Term
		n.votedFor = wal.NoVote
		n.role = Follower
		if err := n.persistHardStateLocked(); err != nil {
			n.currentTerm = prevTerm
			n.votedFor = prevVotedFor
			n.role = prevRole
			return nil, err
		}
	}

	resp.Term = n.currentTerm

	lastTerm := n.lastLogTermLocked()
	lastIndex := n.lastLogIndexLocked()

	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	if (n.votedFor == wal.NoVote || n.votedFor == req.CandidateID) && upToDate {
		prevVotedFor := n.votedFor
		n.votedFor = req.CandidateID
		if err := n.persistHardStateLocked(); err != nil {
			n.votedFor = prevVotedFor
			return nil, err
		}
		resp.VoteGranted = true
		n.resetElectionTimeout()
		n.logger.Debug("granted vote",
			"node_id", n.id,
			"to", req.CandidateID,
			"term", n.currentTerm,
		)
	} else {
		n.logger.Debug("denied vote",
			"node_id", n.id,
			"to", req.CandidateID,
			"term", n.currentTerm,
			"voted_for", n.votedFor,
			"up_to_date", upToDate,
		)
	}

	return resp, nil
}

// HandleAppendEntries handles a Raft AppendEntries RPC from the leader.
func (n *Node) HandleAppendEntries(
	_ context.Context,
	req *AppendEntriesRequest,
) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return nil, ErrNodeDegraded
	}

	resp := &AppendEntriesResponse{
		Term:    n.currentTerm,
		Success: false,
	}

	if req.Term < n.currentTerm {
		return resp, nil
	}

	if req.Term > n.currentTerm {
		prevTerm := n.currentTerm
		prevVotedFor := n.votedFor
		n.currentTerm = req.Term
		n.votedFor = wal.NoVote
		if err := n.persistHardStateLocked(); err != nil {
			n.currentTerm = prevTerm
			n.votedFor = prevVotedFor
			return nil, err
		}
	}

	n.role = Follower
	resp.Term = n.currentTerm
	n.resetElectionTimeout()

	firstIndex := n.wal.FirstIndex()
	lastIndex := n.lastLogIndexLocked()

	// PrevLogIndex consistency check.
	if req.PrevLogIndex > lastIndex {
		n.logger.Debug("AppendEntries rejected: missing prev entry",
			"node_id", n.id,
			"leader", req.LeaderID,
			"prev_log_index", req.PrevLogIndex,
			"last_log_index", lastIndex,
		)
		return resp, nil
	}

	if req.PrevLogIndex >= firstIndex {
		// PrevLogIndex is in our non-compacted log range.
		prevTerm := n.entryAtLocked(req.PrevLogIndex).Term
		if prevTerm != req.PrevLogTerm {
			n.logger.Debug("AppendEntries rejected: term conflict at prev entry",
				"node_id", n.id,
				"leader", req.LeaderID,
				"prev_log_index", req.PrevLogIndex,
				"our_term", prevTerm,
				"leader_term", req.PrevLogTerm,
			)
			return resp, nil
		}
	}
	// PrevLogIndex < firstIndex: covered by our compacted snapshot prefix — skip check.

	for i, entry := range req.Entries {
		index := req.PrevLogIndex + int64(i) + 1

		if index < firstIndex {
			continue // entry already covered by our snapshot
		}

		if index > lastIndex {
			for _, e := range req.Entries[i:] {
				if err := n.wal.Append(e); err != nil {
					return nil, err
				}
			}
			break
		}

		if n.entryAtLocked(index).Term == entry.Term {
			continue
		}

		n.logger.Debug("truncating conflicting log entries",
			"node_id", n.id,
			"from_index", index,
		)
		if err := n.wal.TruncateFrom(index); err != nil {
			return nil, err
		}
		for _, e := range req.Entries[i:] {
			if err := n.wal.Append(e); err != nil {
				return nil, err
			}
		}
		break
	}

	if len(req.Entries) > 0 {
		n.logger.Debug("appended entries from leader",
			"node_id", n.id,
			"leader", req.LeaderID,
			"count", len(req.Entries),
			"last_index", n.lastLogIndexLocked(),
		)
	}

	if req.LeaderCommit > n.commitIndex {
		prevCommit := n.commitIndex
		newLastIndex := n.lastLogIndexLocked()
		if req.LeaderCommit < newLastIndex {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = newLastIndex
		}
		n.logger.Debug("commit index updated by leader",
			"node_id", n.id,
			"prev_commit", prevCommit,
			"new_commit", n.commitIndex,
			"leader_commit", req.LeaderCommit,
		)
		n.notifyApply()
	}

	resp.Success = true
	return resp, nil
}

// HandleInstallSnapshot receives one chunk of a snapshot stream from the
// leader. Chunks are written directly to the local temp snapshot file; once
// the leader marks a chunk Done, the transfer is finalized, the whole local
// WAL is cleared and fast-forwarded past the snapshot, and the apply loop is notified to
// deliver the new state to the KV store.
func (n *Node) HandleInstallSnapshot(
	_ context.Context,
	req *InstallSnapshotRequest,
) (*InstallSnapshotResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded {
		return nil, ErrNodeDegraded
	}

	resp := &InstallSnapshotResponse{Term: n.currentTerm}

	if req.Term < n.currentTerm {
		n.logger.Debug("InstallSnapshot rejected: stale term",
			"node_id", n.id,
			"req_term", req.Term,
			"current_term", n.currentTerm,
		)
		return resp, nil
	}

	if req.Term > n.currentTerm {
		prevTerm := n.currentTerm
		prevVoted := n.votedFor
		n.currentTerm = req.Term
		n.votedFor = wal.NoVote
		if err := n.persistHardStateLocked(); err != nil {
			n.currentTerm = prevTerm
			n.votedFor = prevVoted
			return nil, err
		}
	}

	n.role = Follower
	n.resetElectionTimeout()
	resp.Term = n.currentTerm

	if req.Offset == 0 && req.LastIncludedIndex <= n.lastApplied {
		n.logger.Debug("InstallSnapshot ignored: already past this snapshot",
			"node_id", n.id,
			"last_applied", n.lastApplied,
			"req_snapshot_index", req.LastIncludedIndex,
		)
		return resp, nil
	}

	if err := n.snapMgr.WriteChunk(req.Offset, req.Data, req.Done); err != nil {
		return nil, err
	}

	if !req.Done {
		return resp, nil
	}

	n.logger.Debug("received complete snapshot from leader",
		"node_id", n.id,
		"leader", req.LeaderID,
		"snapshot_index", req.LastIncludedIndex,
		"snapshot_term", req.LastIncludedTerm,
	)

	pairs, meta, ok, err := n.snapMgr.LoadLatest()
	if err != nil {
		return nil, err
	}
	if !ok {
		n.logger.Error("InstallSnapshot: finalized snapshot missing on disk", "node_id", n.id)
		return resp, nil
	}

	if err := n.wal.InstallSnapshot(meta.LastIndex, meta.LastTerm); err != nil {
		return nil, err
	}

	if meta.LastIndex > n.commitIndex {
		n.commitIndex = meta.LastIndex
	}
	n.pendingSnapshot = &pendingSnapshot{pairs: pairs, index: meta.LastIndex, term: meta.LastTerm}
	n.notifyApply()

	return resp, nil
}

func (n *Node) resetElectionTimeout() {
	select {
	case n.electionTimeoutResetCh <- struct{}{}:
	default:
	}
}
