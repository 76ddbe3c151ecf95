// Package lineproto implements the plain-text, line-oriented wire protocol
// used for both client requests (PUT/GET) and peer replication RPCs
// (REQUEST_VOTE/APPEND_ENTRIES/INSTALL_SNAPSHOT/HEARTBEAT). Every request
// and response is newline-terminated ASCII, dispatched on the first
// whitespace-delimited token.
package lineproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dkazak/logkv/internal/consensus/raft"
	"github.com/dkazak/logkv/internal/wal"
)

// ErrProtocol is returned when a peer sends a malformed or truncated request.
var ErrProtocol = errors.New("lineproto: protocol error")

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeLine(w *bufio.Writer, format string, args ...any) error {
	if _, err := fmt.Fprintf(w, format+"\n", args...); err != nil {
		return err
	}
	return w.Flush()
}

func parseInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, s)
	}
	return v, nil
}

func parseBool01(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool %q", ErrProtocol, s)
	}
}

func bool01(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeEntry renders one replicated log entry as a wire line, matching the
// on-disk WAL line format: "<index> <term> <op> <key> <value>".
func encodeEntry(e wal.Entry) string {
	return fmt.Sprintf("%d %d %s %s %s", e.Index, e.Term, e.Operation.String(), e.Key, e.Value)
}

func parseEntry(line string) (wal.Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return wal.Entry{}, fmt.Errorf("%w: malformed log entry line %q", ErrProtocol, line)
	}
	index, err := parseInt64(fields[0])
	if err != nil {
		return wal.Entry{}, err
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return wal.Entry{}, err
	}
	op, err := wal.ParseOperation(fields[2])
	if err != nil {
		return wal.Entry{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return wal.Entry{Index: index, Term: term, Operation: op, Key: fields[3], Value: fields[4]}, nil
}

// requestVoteRequestToWire renders the REQUEST_VOTE command line.
func requestVoteRequestToWire(req *raft.RequestVoteRequest) string {
	return fmt.Sprintf("REQUEST_VOTE %d %d %d %d", req.Term, req.CandidateID, req.LastLogIndex, req.LastLogTerm)
}

func parseRequestVoteRequest(fields []string) (*raft.RequestVoteRequest, error) {
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: REQUEST_VOTE wants 4 args, got %d", ErrProtocol, len(fields)-1)
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return nil, err
	}
	candidateID, err := parseInt64(fields[2])
	if err != nil {
		return nil, err
	}
	lastLogIndex, err := parseInt64(fields[3])
	if err != nil {
		return nil, err
	}
	lastLogTerm, err := parseInt64(fields[4])
	if err != nil {
		return nil, err
	}
	return &raft.RequestVoteRequest{
		Term:         term,
		CandidateID:  candidateID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}, nil
}

func parseRequestVoteResponse(fields []string) (*raft.RequestVoteResponse, error) {
	if len(fields) != 2 {
		return nil, fmt.Errorf("%w: malformed vote response", ErrProtocol)
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return nil, err
	}
	switch fields[0] {
	case "VOTE_GRANTED":
		return &raft.RequestVoteResponse{Term: term, VoteGranted: true}, nil
	case "VOTE_DENIED":
		return &raft.RequestVoteResponse{Term: term, VoteGranted: false}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected vote response verb %q", ErrProtocol, fields[0])
	}
}

func appendEntriesHeaderToWire(req *raft.AppendEntriesRequest) string {
	return fmt.Sprintf("APPEND_ENTRIES %d %d %d %d %d %d",
		req.Term, req.LeaderID, req.PrevLogIndex, req.PrevLogTerm, req.LeaderCommit, len(req.Entries))
}

func parseAppendEntriesHeader(fields []string) (req *raft.AppendEntriesRequest, numEntries int, err error) {
	if len(fields) != 7 {
		return nil, 0, fmt.Errorf("%w: APPEND_ENTRIES wants 6 args, got %d", ErrProtocol, len(fields)-1)
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return nil, 0, err
	}
	leaderID, err := parseInt64(fields[2])
	if err != nil {
		return nil, 0, err
	}
	prevIndex, err := parseInt64(fields[3])
	if err != nil {
		return nil, 0, err
	}
	prevTerm, err := parseInt64(fields[4])
	if err != nil {
		return nil, 0, err
	}
	leaderCommit, err := parseInt64(fields[5])
	if err != nil {
		return nil, 0, err
	}
	n, err := strconv.Atoi(fields[6])
	if err != nil || n < 0 {
		return nil, 0, fmt.Errorf("%w: invalid entry count %q", ErrProtocol, fields[6])
	}
	return &raft.AppendEntriesRequest{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: leaderCommit,
	}, n, nil
}

// appendEntriesResponseToWire renders the AE_OK/AE_FAIL response. MatchIndex
// is derived from the request rather than carried on raft.AppendEntriesResponse,
// since the simplified backoff protocol never needs it internally (see
// raft.AppendEntriesResponse's doc comment); it is still emitted on the wire
// for protocol completeness.
func appendEntriesResponseToWire(req *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) string {
	if !resp.Success {
		return fmt.Sprintf("AE_FAIL %d", resp.Term)
	}
	matchIndex := req.PrevLogIndex + int64(len(req.Entries))
	return fmt.Sprintf("AE_OK %d %d", resp.Term, matchIndex)
}

func parseAppendEntriesResponse(fields []string) (*raft.AppendEntriesResponse, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: malformed append-entries response", ErrProtocol)
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return nil, err
	}
	switch fields[0] {
	case "AE_OK":
		return &raft.AppendEntriesResponse{Term: term, Success: true}, nil
	case "AE_FAIL":
		return &raft.AppendEntriesResponse{Term: term, Success: false}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected append-entries response verb %q", ErrProtocol, fields[0])
	}
}

func installSnapshotHeaderToWire(req *raft.InstallSnapshotRequest) string {
	return fmt.Sprintf("INSTALL_SNAPSHOT %d %d %d %d %d %d %d",
		req.Term, req.LeaderID, req.LastIncludedIndex, req.LastIncludedTerm, req.Offset, len(req.Data), bool01(req.Done))
}

func parseInstallSnapshotHeader(fields []string) (req *raft.InstallSnapshotRequest, dataLen int, err error) {
	if len(fields) != 8 {
		return nil, 0, fmt.Errorf("%w: INSTALL_SNAPSHOT wants 7 args, got %d", ErrProtocol, len(fields)-1)
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return nil, 0, err
	}
	leaderID, err := parseInt64(fields[2])
	if err != nil {
		return nil, 0, err
	}
	lastIndex, err := parseInt64(fields[3])
	if err != nil {
		return nil, 0, err
	}
	lastTerm, err := parseInt64(fields[4])
	if err != nil {
		return nil, 0, err
	}
	offset, err := parseInt64(fields[5])
	if err != nil {
		return nil, 0, err
	}
	n, err := strconv.Atoi(fields[6])
	if err != nil || n < 0 {
		return nil, 0, fmt.Errorf("%w: invalid chunk length %q", ErrProtocol, fields[6])
	}
	done, err := parseBool01(fields[7])
	if err != nil {
		return nil, 0, err
	}
	return &raft.InstallSnapshotRequest{
		Term:              term,
		LeaderID:          leaderID,
		LastIncludedIndex: lastIndex,
		LastIncludedTerm:  lastTerm,
		Offset:            offset,
		Done:              done,
	}, n, nil
}

func installSnapshotResponseToWire(resp *raft.InstallSnapshotResponse) string {
	return fmt.Sprintf("IS_OK %d", resp.Term)
}

func parseInstallSnapshotResponse(fields []string) (*raft.InstallSnapshotResponse, error) {
	if len(fields) != 2 || fields[0] != "IS_OK" {
		return nil, fmt.Errorf("%w: malformed install-snapshot response", ErrProtocol)
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		return nil, err
	}
	return &raft.InstallSnapshotResponse{Term: term}, nil
}
