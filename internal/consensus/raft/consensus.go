package raft

import (
	"fmt"
	"time"

	"github.com/dkazak/logkv/internal/consensus"
	"github.com/dkazak/logkv/internal/wal"
)

// StartCommand appends a new command to the leader log.
// It implements consensus.Consensus.
func (n *Node) StartCommand(op wal.Operation, key, value string) (index int64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.degraded || n.role != Leader {
		n.logger.Debug("StartCommand rejected: not leader",
			"node_id", n.id,
			"role", n.role,
			"degraded", n.degraded,
		)
		return 0, false
	}

	nextIndex := n.lastLogIndexLocked() + 1
	entry := wal.Entry{
		Index:     nextIndex,
		Term:      n.currentTerm,
		Operation: op,
		Key:       key,
		Value:     value,
	}

	if err := n.wal.Append(entry); err != nil {
		n.markDegradedLocked(err)
		return 0, false
	}

	index = n.lastLogIndexLocked()
	n.matchIndex[n.id] = index
	n.nextIndex[n.id] = index + 1
	n.recordStartSeenLocked(index, time.Now())

	n.logger.Debug("command appended to leader log",
		"node_id", n.id,
		"index", index,
		"term", n.currentTerm,
	)

	if n.advanceCommitIndexLocked() {
		n.notifyApply()
	}

	n.notifyReplicate()
	return index, true
}

// ApplyCh returns the channel used to deliver committed entries and snapshots.
func (n *Node) ApplyCh() <-chan consensus.ApplyMsg {
	return n.applyCh
}

// IsLeader reports whether the node currently believes it is the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Stop implements consensus.Consensus.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	for _, peerClient := range n.peers {
		_ = peerClient.Close()
	}

	n.wg.Wait()
}

// Snapshot compacts the Raft log up to and including index.
// pairs is the full application state (the KV store contents) at that point.
// Called by the KV layer after applying entries to free log space.
// Implements consensus.Consensus.
func (n *Node) Snapshot(index int64, pairs map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	firstIndex := n.wal.FirstIndex()
	lastIndex := n.lastLogIndexLocked()

	n.logger.Debug("taking snapshot",
		"node_id", n.id,
		"index", index,
		"first_index", firstIndex,
	)

	if index < firstIndex {
		return nil // already compacted at or beyond this index
	}
	if index > lastIndex {
		return fmt.Errorf("raft: snapshot index %d beyond last log index %d", index, lastIndex)
	}

	term := n.entryAtLocked(index).Term

	if err := n.snapMgr.Create(pairs, index, term); err != nil {
		return err
	}

	if err := n.wal.DiscardBefore(index); err != nil {
		return err
	}

	n.logger.Debug("snapshot taken",
		"node_id", n.id,
		"snapshot_index", index,
		"snapshot_term", term,
	)

	return nil
}
