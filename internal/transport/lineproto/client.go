package lineproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dkazak/logkv/internal/consensus/raft"
)

// DefaultDialTimeout bounds how long a single peer RPC waits to establish
// its TCP connection before giving up.
const DefaultDialTimeout = 2 * time.Second

// PeerClient implements raft.PeerClient over the line protocol. Unlike a
// persistent RPC channel, each call dials a fresh connection, writes one
// request, reads one response, and closes — mirroring the connect-per-request
// style of the reference implementation.
type PeerClient struct {
	target      string
	dialTimeout time.Duration
	tracer      oteltrace.Tracer
}

// Dial returns a PeerClient targeting address. No network I/O happens until
// the first RPC call.
func Dial(target string, tracer oteltrace.Tracer) (*PeerClient, error) {
	if target == "" {
		return nil, errors.New("lineproto: empty peer target")
	}
	return &PeerClient{target: target, dialTimeout: DefaultDialTimeout, tracer: tracer}, nil
}

// Close is a no-op: PeerClient holds no persistent connection.
func (c *PeerClient) Close() error { return nil }

func (c *PeerClient) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return nil, fmt.Errorf("lineproto: dial %s: %w", c.target, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// RequestVote calls the remote peer's REQUEST_VOTE RPC.
func (c *PeerClient) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	ctx, span := c.tracer.Start(ctx, "lineproto.client.RequestVote")
	defer span.End()

	conn, err := c.dial(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeLine(w, "%s", requestVoteRequestToWire(req)); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp, err := parseRequestVoteResponse(strings.Fields(line))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}

// AppendEntries calls the remote peer's APPEND_ENTRIES RPC.
func (c *PeerClient) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	ctx, span := c.tracer.Start(ctx, "lineproto.client.AppendEntries")
	defer span.End()

	conn, err := c.dial(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeLine(w, "%s", appendEntriesHeaderToWire(req)); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	for _, e := range req.Entries {
		if err := writeLine(w, "%s", encodeEntry(e)); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
	}

	r := bufio.NewReader(conn)
	line, err := readLine(r)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp, err := parseAppendEntriesResponse(strings.Fields(line))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot calls the remote peer's INSTALL_SNAPSHOT RPC with one chunk.
func (c *PeerClient) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	ctx, span := c.tracer.Start(ctx, "lineproto.client.InstallSnapshot")
	defer span.End()

	conn, err := c.dial(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeLine(w, "%s", installSnapshotHeaderToWire(req)); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if len(req.Data) > 0 {
		if _, err := w.Write(req.Data); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		if err := w.Flush(); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
	}

	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp, err := parseInstallSnapshotResponse(strings.Fields(line))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}
