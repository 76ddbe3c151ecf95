package lineproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dkazak/logkv/internal/consensus/raft"
	"github.com/dkazak/logkv/internal/service"
	"github.com/dkazak/logkv/internal/wal"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// KVHandler is the subset of *service.KV required by the dispatcher.
// *service.KV satisfies this interface.
type KVHandler interface {
	Get(key string) (string, bool)
	Put(ctx context.Context, key, value string) (int64, error)
}

// RaftHandler is the subset of *raft.Node required by the dispatcher.
// *raft.Node satisfies this interface.
type RaftHandler interface {
	HandleRequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// Server is the line-protocol request dispatcher: one TCP listener serves
// both client verbs (PUT/GET) and peer verbs (REQUEST_VOTE/APPEND_ENTRIES/
// INSTALL_SNAPSHOT/HEARTBEAT), dispatched on the first token of each request
// the way the reference single-port C++ server does.
type Server struct {
	kv     KVHandler
	raft   RaftHandler
	logger Logger
	tracer oteltrace.Tracer

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a request dispatcher for the given handlers.
func NewServer(kv KVHandler, raftHandler RaftHandler, logger Logger, tracer oteltrace.Tracer) *Server {
	return &Server{kv: kv, raft: raftHandler, logger: logger, tracer: tracer}
}

// Serve listens on addr and dispatches connections until ctx is canceled or
// the listener fails. It blocks until the listener is closed.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("lineproto: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("request dispatcher listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("lineproto: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the bound listener address, or nil if Serve has not been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	line, err := readLine(r)
	if err != nil {
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		_ = writeLine(w, "UNKNOWN_CMD")
		return
	}

	switch fields[0] {
	case "PUT":
		s.handlePut(ctx, w, fields)
	case "GET":
		s.handleGet(ctx, w, fields)
	case "HEARTBEAT":
		s.handleHeartbeat(ctx, w, fields)
	case "REQUEST_VOTE":
		s.handleRequestVote(ctx, w, fields)
	case "APPEND_ENTRIES":
		s.handleAppendEntries(ctx, r, w, fields)
	case "INSTALL_SNAPSHOT":
		s.handleInstallSnapshot(ctx, r, w, fields)
	default:
		_ = writeLine(w, "UNKNOWN_CMD")
	}
}

func (s *Server) handlePut(ctx context.Context, w *bufio.Writer, fields []string) {
	ctx, span := s.tracer.Start(ctx, "lineproto.server.Put")
	defer span.End()

	if len(fields) != 3 {
		_ = writeLine(w, "ERROR malformed_put")
		return
	}
	key, value := fields[1], fields[2]
	span.SetAttributes(attribute.String("kv.key", key))

	_, err := s.kv.Put(ctx, key, value)
	switch {
	case err == nil:
		_ = writeLine(w, "OK")
	case errors.Is(err, service.ErrNotLeader):
		_ = writeLine(w, "NOT_LEADER")
	case errors.Is(err, service.ErrCommitTimeout):
		_ = writeLine(w, "TIMEOUT")
	default:
		recordSpanError(span, err)
		_ = writeLine(w, "ERROR %s", sanitizeReason(err))
	}
}

func (s *Server) handleGet(_ context.Context, w *bufio.Writer, fields []string) {
	if len(fields) != 2 {
		_ = writeLine(w, "ERROR malformed_get")
		return
	}
	value, ok := s.kv.Get(fields[1])
	if !ok {
		_ = writeLine(w, "NOT_FOUND")
		return
	}
	_ = writeLine(w, "%s", value)
}

func (s *Server) handleHeartbeat(ctx context.Context, w *bufio.Writer, fields []string) {
	if len(fields) != 2 {
		_ = writeLine(w, "ERROR malformed_heartbeat")
		return
	}
	term, err := parseInt64(fields[1])
	if err != nil {
		_ = writeLine(w, "ERROR %s", sanitizeReason(err))
		return
	}
	resp, err := s.raft.HandleAppendEntries(ctx, &raft.AppendEntriesRequest{Term: term})
	if err != nil {
		s.writeRaftError(w, err)
		return
	}
	_ = writeLine(w, "OK %d", resp.Term)
}

func (s *Server) handleRequestVote(ctx context.Context, w *bufio.Writer, fields []string) {
	ctx, span := s.tracer.Start(ctx, "lineproto.server.RequestVote")
	defer span.End()

	req, err := parseRequestVoteRequest(fields)
	if err != nil {
		_ = writeLine(w, "ERROR %s", sanitizeReason(err))
		return
	}
	span.SetAttributes(
		attribute.Int64("raft.term", req.Term),
		attribute.Int64("raft.candidate_id", req.CandidateID),
	)
	resp, err := s.raft.HandleRequestVote(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		s.writeRaftError(w, err)
		return
	}
	span.SetAttributes(attribute.Bool("raft.vote_granted", resp.VoteGranted))
	if resp.VoteGranted {
		_ = writeLine(w, "VOTE_GRANTED %d", resp.Term)
	} else {
		_ = writeLine(w, "VOTE_DENIED %d", resp.Term)
	}
}

func (s *Server) handleAppendEntries(ctx context.Context, r *bufio.Reader, w *bufio.Writer, fields []string) {
	ctx, span := s.tracer.Start(ctx, "lineproto.server.AppendEntries")
	defer span.End()

	req, n, err := parseAppendEntriesHeader(fields)
	if err != nil {
		_ = writeLine(w, "ERROR %s", sanitizeReason(err))
		return
	}
	req.Entries = make([]wal.Entry, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLine(r)
		if err != nil {
			return
		}
		entry, err := parseEntry(line)
		if err != nil {
			_ = writeLine(w, "ERROR %s", sanitizeReason(err))
			return
		}
		req.Entries = append(req.Entries, entry)
	}

	span.SetAttributes(
		attribute.Int64("raft.term", req.Term),
		attribute.Int64("raft.leader_id", req.LeaderID),
		attribute.Int("raft.entries_count", len(req.Entries)),
	)

	resp, err := s.raft.HandleAppendEntries(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		s.writeRaftError(w, err)
		return
	}
	span.SetAttributes(attribute.Bool("raft.append.success", resp.Success))
	_ = writeLine(w, "%s", appendEntriesResponseToWire(req, resp))
}

func (s *Server) handleInstallSnapshot(ctx context.Context, r *bufio.Reader, w *bufio.Writer, fields []string) {
	ctx, span := s.tracer.Start(ctx, "lineproto.server.InstallSnapshot")
	defer span.End()

	req, dataLen, err := parseInstallSnapshotHeader(fields)
	if err != nil {
		_ = writeLine(w, "ERROR %s", sanitizeReason(err))
		return
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return
	}
	req.Data = data

	span.SetAttributes(
		attribute.Int64("raft.term", req.Term),
		attribute.Int64("raft.snapshot.index", req.LastIncludedIndex),
		attribute.Int("raft.snapshot.bytes", len(req.Data)),
	)

	resp, err := s.raft.HandleInstallSnapshot(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		s.writeRaftError(w, err)
		return
	}
	_ = writeLine(w, "%s", installSnapshotResponseToWire(resp))
}

func (s *Server) writeRaftError(w *bufio.Writer, err error) {
	if errors.Is(err, raft.ErrNodeDegraded) {
		_ = writeLine(w, "ERROR node_degraded")
		return
	}
	_ = writeLine(w, "ERROR %s", sanitizeReason(err))
}

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// sanitizeReason strips whitespace/newlines from an error message so it fits
// on a single wire response line.
func sanitizeReason(err error) string {
	msg := err.Error()
	msg = strings.ReplaceAll(msg, "\n", " ")
	return strings.Join(strings.Fields(msg), "_")
}
