package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ConsensusType selects the consensus implementation used by the node.
type ConsensusType string

// Supported consensus engine types.
const (
	ConsensusTypeRaft ConsensusType = "raft"
)

// Config contains runtime settings for a node process. The CLI surface
// (`server <listen_port> <server_id> <peer_addr>*`) populates ServerID,
// ListenAddr and PeerAddrs; everything else is ambient and comes from
// LOGKV_* environment variables, mirroring spec.md's own split between a
// minimal positional CLI and an environment-configured data directory.
type Config struct {
	ServerID      int64
	ConsensusType ConsensusType
	LogLevel      string

	ListenAddr string
	DataDir    string

	// PeerAddrs maps peer server ID to its line-protocol address. It never
	// contains ServerID.
	PeerAddrs map[int64]string

	// AdminAddr, if non-empty, serves /metrics, /debug/pprof/* and
	// /admin/state on one shared HTTP listener. Empty disables it.
	AdminAddr string

	// SnapshotEvery triggers a snapshot after this many applied commands.
	// Zero disables automatic snapshots.
	SnapshotEvery uint64

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		ServerID:           1,
		ConsensusType:      ConsensusTypeRaft,
		LogLevel:           "info",
		ListenAddr:         ":8080",
		DataDir:            ".",
		PeerAddrs:          map[int64]string{},
		SnapshotEvery:      1000,
		TracingServiceName: "logkv",
	}
}

// ParseArgs parses the `server <listen_port> <server_id> <peer_addr>*`
// positional CLI surface into a Config seeded with DefaultConfig's ambient
// fields. Each peer_addr is either "id=host:port" or a bare "host:port", in
// which case the peer's ID is taken from its own port number — the
// reference implementation uses the listening port as a node's identity, so
// this is the natural default when no explicit ID is given.
func ParseArgs(args []string) (Config, error) {
	if len(args) < 2 {
		return Config{}, fmt.Errorf("app: usage: server <listen_port> <server_id> [peer_addr...]")
	}
	cfg := DefaultConfig()

	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("app: invalid listen_port %q", args[0])
	}
	cfg.ListenAddr = fmt.Sprintf(":%d", port)

	serverID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("app: invalid server_id %q: %w", args[1], err)
	}
	cfg.ServerID = serverID

	peers, err := parsePeerAddrs(args[2:])
	if err != nil {
		return Config{}, err
	}
	cfg.PeerAddrs = peers

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parsePeerAddrs(raw []string) (map[int64]string, error) {
	out := make(map[int64]string, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var id int64
		addr := entry
		if left, right, ok := strings.Cut(entry, "="); ok {
			parsed, err := strconv.ParseInt(strings.TrimSpace(left), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("app: invalid peer id in %q: %w", entry, err)
			}
			id = parsed
			addr = strings.TrimSpace(right)
		} else {
			_, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("app: invalid peer address %q: %w", entry, err)
			}
			parsed, err := strconv.ParseInt(portStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("app: cannot derive peer id from address %q: %w", entry, err)
			}
			id = parsed
		}

		if addr == "" {
			return nil, fmt.Errorf("app: invalid peer entry %q", entry)
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("app: duplicate peer id %d", id)
		}
		out[id] = addr
	}
	return out, nil
}

// applyEnv overlays ambient settings from LOGKV_* environment variables.
// Supported vars:
//   - LOGKV_DATA_DIR (default ".")
//   - LOGKV_LOG_LEVEL (debug|info|warn|error)
//   - LOGKV_ADMIN_ADDR (empty disables the admin listener)
//   - LOGKV_SNAPSHOT_EVERY (uint, 0 disables automatic snapshots)
//   - LOGKV_TRACING_ENABLED (bool)
//   - LOGKV_TRACING_ENDPOINT
//   - LOGKV_TRACING_SERVICE_NAME
func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("LOGKV_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LOGKV_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("LOGKV_ADMIN_ADDR"); ok {
		cfg.AdminAddr = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOGKV_SNAPSHOT_EVERY")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("app: invalid LOGKV_SNAPSHOT_EVERY %q: %w", v, err)
		}
		cfg.SnapshotEvery = n
	}
	if v := strings.TrimSpace(os.Getenv("LOGKV_TRACING_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("app: invalid LOGKV_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.TracingEnabled = b
	}
	if v := strings.TrimSpace(os.Getenv("LOGKV_TRACING_ENDPOINT")); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("LOGKV_TRACING_SERVICE_NAME")); v != "" {
		cfg.TracingServiceName = v
	}
	return nil
}

// WALPath returns the path of this node's WAL file, named after its
// listening port per spec.md's `wal_<port>.log` convention.
func (c Config) WALPath() string {
	port := strings.TrimPrefix(c.ListenAddr, ":")
	return fmt.Sprintf("%s/wal_%s.log", strings.TrimSuffix(c.DataDir, "/"), port)
}

// SnapshotDir returns the directory this node's snapshots live in.
func (c Config) SnapshotDir() string {
	return fmt.Sprintf("%s/snapshots", strings.TrimSuffix(c.DataDir, "/"))
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if c.ServerID <= 0 {
		return fmt.Errorf("app: server id must be positive")
	}
	switch c.ConsensusType {
	case ConsensusTypeRaft:
	default:
		return fmt.Errorf("app: unsupported consensus type %q", c.ConsensusType)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("app: listen addr is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("app: data dir is required")
	}
	if _, exists := c.PeerAddrs[c.ServerID]; exists {
		return fmt.Errorf("app: server id %d must not appear in its own peer list", c.ServerID)
	}
	return nil
}
