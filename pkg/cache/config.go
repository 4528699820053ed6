package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Config is the composition root's configuration surface. The core
// packages never read the environment themselves.
type Config struct {
	// EnableP2P turns on gossip replication. Without it the cache is a
	// purely local TTL cache.
	EnableP2P bool
	// ListenPort for the P2P host; 0 picks a random port.
	ListenPort int
	// BootstrapPeers are full peer addresses dialed at startup, on top
	// of whatever the registry discovers.
	BootstrapPeers []string
	// Secret is the shared secret gossip payloads are encrypted with.
	Secret string
	// AllowCleartext permits gossip without a secret. Off by default:
	// without a secret and without this opt-in, enabling P2P fails.
	AllowCleartext bool

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration
	// Dir holds one persisted JSON file per entry; empty disables
	// persistence.
	Dir string
	// MaxSize caps the number of in-memory entries; 0 means unlimited.
	MaxSize int

	// RegistryPath is the shared bolthold file used for rendezvous;
	// empty disables discovery.
	RegistryPath string
	// RunnerName labels this process's registry record.
	RunnerName string
	// PeerTTL is the liveness window for registry records.
	PeerTTL time.Duration
	// HeartbeatInterval is how often the registry record is refreshed
	// and new peers are dialed.
	HeartbeatInterval time.Duration
	// MaxPeers bounds how many discovered peers are dialed per round.
	MaxPeers int
}

// DefaultConfig returns the defaults used when the environment doesn't
// say otherwise.
func DefaultConfig() Config {
	runner := os.Getenv("RUNNER_NAME")
	if runner == "" {
		runner, _ = os.Hostname()
	}
	return Config{
		DefaultTTL:        5 * time.Minute,
		Dir:               filepath.Join(xdg.CacheHome, "apicache"),
		MaxSize:           1000,
		RunnerName:        runner,
		PeerTTL:           15 * time.Minute,
		HeartbeatInterval: 5 * time.Minute,
		MaxPeers:          10,
	}
}

// FromEnv builds a Config from APICACHE_* environment variables on top
// of the defaults.
func FromEnv() Config {
	cfg := DefaultConfig()
	cfg.EnableP2P = envBool("APICACHE_P2P", cfg.EnableP2P)
	cfg.ListenPort = envInt("APICACHE_LISTEN_PORT", cfg.ListenPort)
	if v := os.Getenv("APICACHE_BOOTSTRAP"); v != "" {
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.BootstrapPeers = append(cfg.BootstrapPeers, addr)
			}
		}
	}
	cfg.Secret = os.Getenv("APICACHE_SECRET")
	cfg.AllowCleartext = envBool("APICACHE_ALLOW_CLEARTEXT", cfg.AllowCleartext)
	cfg.DefaultTTL = envDuration("APICACHE_DEFAULT_TTL", cfg.DefaultTTL)
	if v := os.Getenv("APICACHE_DIR"); v != "" {
		cfg.Dir = v
	}
	cfg.MaxSize = envInt("APICACHE_MAX_SIZE", cfg.MaxSize)
	if v := os.Getenv("APICACHE_REGISTRY"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("APICACHE_RUNNER_NAME"); v != "" {
		cfg.RunnerName = v
	}
	return cfg
}

func envBool(name string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return fallback
	}
	return v
}

func envInt(name string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	// plain numbers are seconds
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
