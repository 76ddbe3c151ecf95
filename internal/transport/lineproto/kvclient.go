package lineproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrNotLeader is returned when the targeted node responds NOT_LEADER.
var ErrNotLeader = errors.New("lineproto: node is not the leader")

// ErrCommitTimeout is returned when the targeted node responds TIMEOUT.
var ErrCommitTimeout = errors.New("lineproto: commit wait timed out")

// ErrNoLeader is returned by ClusterClient when no node in the cluster
// accepted a write — either no leader is elected yet or all nodes are down.
var ErrNoLeader = errors.New("lineproto: no leader found in cluster")

// Client is a thin line-protocol client for the PUT/GET verbs. Like
// PeerClient, it dials fresh per call rather than holding a persistent
// connection.
type Client struct {
	target      string
	dialTimeout time.Duration
}

// DialClient returns a Client targeting address. No network I/O happens
// until the first call.
func DialClient(target string) (*Client, error) {
	if target == "" {
		return nil, errors.New("lineproto: empty client target")
	}
	return &Client{target: target, dialTimeout: DefaultDialTimeout}, nil
}

// Close is a no-op: Client holds no persistent connection.
func (c *Client) Close() error { return nil }

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
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

// Get fetches a key from a node. found is false both when the key is absent
// and when the node reports NOT_FOUND.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeLine(w, "GET %s", key); err != nil {
		return "", false, err
	}
	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		return "", false, err
	}
	if line == "NOT_FOUND" {
		return "", false, nil
	}
	if strings.HasPrefix(line, "ERROR") {
		return "", false, fmt.Errorf("lineproto: get %s: %s", key, line)
	}
	return line, true, nil
}

// Put sends a write request to a node.
func (c *Client) Put(ctx context.Context, key, value string) (index int64, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeLine(w, "PUT %s %s", key, value); err != nil {
		return 0, err
	}
	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		return 0, err
	}
	switch {
	case line == "OK":
		return 0, nil
	case line == "NOT_LEADER":
		return 0, ErrNotLeader
	case line == "TIMEOUT":
		return 0, ErrCommitTimeout
	default:
		return 0, fmt.Errorf("lineproto: put %s: %s", key, line)
	}
}

// ClusterClient connects to multiple nodes and routes requests automatically:
//   - Get: tries nodes in random order, returns first successful response.
//   - Put: tries nodes until the leader accepts the write, remembering the
//     last node known to have accepted one.
type ClusterClient struct {
	clients []*Client

	mu         sync.RWMutex
	leaderHint int // -1 means unknown
}

// DialCluster builds a ClusterClient for the given addresses. Connections
// are lazy (dialed per RPC), so this succeeds even if nodes are temporarily
// unavailable.
func DialCluster(addrs []string) (*ClusterClient, error) {
	if len(addrs) == 0 {
		return nil, errors.New("lineproto: no addresses provided")
	}
	clients := make([]*Client, 0, len(addrs))
	for _, addr := range addrs {
		c, err := DialClient(addr)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return &ClusterClient{clients: clients, leaderHint: -1}, nil
}

// Close closes all underlying node clients.
func (c *ClusterClient) Close() error {
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get tries nodes in random order and returns the first successful response.
// Read requests do not require the leader.
func (c *ClusterClient) Get(ctx context.Context, key string) (string, bool, error) {
	for _, i := range rand.Perm(len(c.clients)) {
		value, found, err := c.clients[i].Get(ctx, key)
		if err == nil {
			return value, found, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
	}
	return "", false, fmt.Errorf("lineproto: all %d nodes unavailable", len(c.clients))
}

// Put forwards the write to the Raft leader, trying nodes until one accepts.
func (c *ClusterClient) Put(ctx context.Context, key, value string) (int64, error) {
	return c.writeToLeader(ctx, func(client *Client) (int64, error) {
		return client.Put(ctx, key, value)
	})
}

// writeToLeader tries each node, leader hint first, until one accepts the
// write. Nodes that respond NOT_LEADER are skipped without clearing the
// remaining order.
func (c *ClusterClient) writeToLeader(ctx context.Context, fn func(*Client) (int64, error)) (int64, error) {
	for _, i := range c.writeOrder() {
		index, err := fn(c.clients[i])
		if err == nil {
			c.setLeaderHint(i)
			return index, nil
		}
		if errors.Is(err, ErrNotLeader) {
			c.clearLeaderHintIf(i)
			continue
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// Network or server error — try next node.
	}
	return 0, ErrNoLeader
}

func (c *ClusterClient) writeOrder() []int {
	n := len(c.clients)
	order := make([]int, 0, n)

	hint := c.getLeaderHint()
	if hint >= 0 && hint < n {
		order = append(order, hint)
	}
	for _, i := range rand.Perm(n) {
		if i == hint {
			continue
		}
		order = append(order, i)
	}
	return order
}

func (c *ClusterClient) getLeaderHint() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderHint
}

func (c *ClusterClient) setLeaderHint(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderHint = i
}

func (c *ClusterClient) clearLeaderHintIf(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderHint == i {
		c.leaderHint = -1
	}
}
