package raft

import (
	"context"
	"time"

	"github.com/dkazak/logkv/internal/wal"
)

// installSnapshotRequestForPeer reports whether peerID has fallen so far
// behind that the leader must send a snapshot instead of log entries.
//
// Returns:
//   - (false, false) when not leader → caller must stop
//   - (false, true)  when no snapshot is needed, or one is already in flight
//   - (true, true)   when a snapshot transfer should be started for this peer
func (n *Node) installSnapshotRequestForPeer(peerID int64) (bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		return false, false
	}

	firstIndex := n.wal.FirstIndex()
	// firstIndex == 1 with no snapshot taken yet means nothing has been compacted.
	if firstIndex <= 1 || n.nextIndex[peerID] >= firstIndex {
		return false, true // proceed to AppendEntries
	}

	if n.replicateInFlight[peerID] {
		n.replicatePending[peerID] = true
		return false, true // skip this round
	}
	n.replicateInFlight[peerID] = true

	return true, true
}

// sendInstallSnapshot streams the current local snapshot to a lagging
// follower in fixed-size chunks and updates leader replication progress on
// success.
func (n *Node) sendInstallSnapshot(ctx context.Context, peerID int64, peerClient PeerClient, _ bool) {
	defer func() {
		n.mu.Lock()
		n.replicateInFlight[peerID] = false
		pending := n.replicatePending[peerID]
		n.replicatePending[peerID] = false
		n.mu.Unlock()

		if pending {
			n.notifyReplicate()
		}
	}()

	n.mu.Lock()
	term := n.currentTerm
	n.mu.Unlock()

	meta, ok, err := n.snapMgr.Metadata()
	if err != nil || !ok {
		n.logger.Debug("sendInstallSnapshot: no local snapshot available",
			"node_id", n.id,
			"peer", peerID,
			"error", err,
		)
		return
	}

	n.logger.Debug("sending InstallSnapshot",
		"node_id", n.id,
		"peer", peerID,
		"term", term,
		"snapshot_index", meta.LastIndex,
		"snapshot_term", meta.LastTerm,
	)

	const chunkSize = 32 * 1024
	start := time.Now()
	var totalBytes int
	var offset int64

	for {
		chunk, err := n.snapMgr.ReadChunk(offset, chunkSize)
		if err != nil {
			n.metrics.IncRaftInstallSnapshotSend(n.id, peerID, "read_error")
			n.logger.Debug("InstallSnapshot read chunk failed",
				"node_id", n.id,
				"peer", peerID,
				"offset", offset,
				"error", err,
			)
			return
		}
		// A zero-length read is the only reliable end-of-stream signal: a
		// short-but-nonempty read only means the file size isn't a multiple
		// of chunkSize, not that the stream has ended (see ReadChunk).
		done := len(chunk) == 0

		req := &InstallSnapshotRequest{
			Term:              term,
			LeaderID:          n.id,
			LastIncludedIndex: meta.LastIndex,
			LastIncludedTerm:  meta.LastTerm,
			Offset:            offset,
			Data:              chunk,
			Done:              done,
		}

		resp, err := peerClient.InstallSnapshot(ctx, req)
		if err != nil || resp == nil {
			n.metrics.IncRaftInstallSnapshotSend(n.id, peerID, "rpc_error")
			n.logger.Debug("InstallSnapshot RPC failed",
				"node_id", n.id,
				"peer", peerID,
				"error", err,
			)
			return
		}
		totalBytes += len(chunk)
		offset += int64(len(chunk))

		stepDown, stillLeader := n.handleInstallSnapshotResponseLocked(resp, term)
		if stepDown {
			return
		}
		if !stillLeader {
			return
		}

		if done {
			break
		}
	}

	n.metrics.ObserveRaftInstallSnapshotRPCDuration(n.id, peerID, time.Since(start))
	n.metrics.ObserveRaftInstallSnapshotSendBytes(n.id, peerID, totalBytes)
	n.metrics.IncRaftInstallSnapshotSend(n.id, peerID, "success")

	n.logger.Debug("InstallSnapshot succeeded",
		"node_id", n.id,
		"peer", peerID,
		"snapshot_index", meta.LastIndex,
		"snapshot_term", meta.LastTerm,
	)

	n.mu.Lock()
	if meta.LastIndex > n.matchIndex[peerID] {
		n.matchIndex[peerID] = meta.LastIndex
	}
	if next := meta.LastIndex + 1; next > n.nextIndex[peerID] {
		n.nextIndex[peerID] = next
	}
	n.mu.Unlock()

	n.notifyReplicate()
}

// handleInstallSnapshotResponseLocked processes one chunk's response.
// Returns (steppedDown, stillLeader).
func (n *Node) handleInstallSnapshotResponseLocked(resp *InstallSnapshotResponse, term int64) (bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.currentTerm = resp.Term
		n.votedFor = wal.NoVote
		n.role = Follower
		n.metrics.SetRaftIsLeader(n.id, false)
		if err := n.persistHardStateLocked(); err != nil {
			n.markDegradedLocked(err)
		}
		return true, false
	}

	if n.role != Leader || term != n.currentTerm {
		return false, false
	}

	return false, true
}
