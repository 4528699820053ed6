// Package cache is the public surface of the peer-shared API response
// cache: get/put/invalidate/stats plus the background networking
// lifecycle. Callers never block on the network; gossip happens behind
// Put, and network or disk failure only shows up as extra misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peersync/apicache/pkg/encryption"
	"github.com/peersync/apicache/pkg/gossip"
	"github.com/peersync/apicache/pkg/registry"
	"github.com/peersync/apicache/pkg/store"
	"github.com/peersync/apicache/pkg/transport"
	"github.com/peersync/apicache/pkg/validation"
)

// ErrSecretRequired is returned by Start when P2P is enabled without a
// shared secret and cleartext gossip was not explicitly allowed.
var ErrSecretRequired = errors.New("shared secret required for p2p gossip (set AllowCleartext to opt in to unencrypted broadcast)")

const broadcastTimeout = 10 * time.Second

// Cache composes the store, gossip, transport and registry behind the
// get/put surface.
type Cache struct {
	cfg    Config
	store  *store.Store
	logger logrus.FieldLogger

	// newHost is swappable for tests.
	newHost func(ctx context.Context, cfg Config) (transport.Host, error)

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	host     transport.Host
	gossiper *gossip.Gossiper
	reg      *registry.Registry
}

// Snapshot is the stats view returned by Stats.
type Snapshot struct {
	store.Stats
	HitRate              float64 `json:"hit_rate"`
	CacheSize            int     `json:"cache_size"`
	PeersConnected       int     `json:"peers_connected"`
	DroppedUndecryptable int64   `json:"dropped_undecryptable"`
	DroppedInvalid       int64   `json:"dropped_invalid"`
}

// New creates a cache from cfg. The P2P layer is not started until
// Start is called.
func New(cfg Config, logger logrus.FieldLogger) (*Cache, error) {
	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	logger = logger.WithField("module", "cache")

	st, err := store.New(cfg.Dir, cfg.MaxSize, logger)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	return &Cache{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		newHost: newDepHost,
	}, nil
}

// Fingerprint builds the cache key for an operation and its arguments.
func Fingerprint(operation string, args ...string) string {
	if len(args) == 0 {
		return operation
	}
	return operation + ":" + strings.Join(args, ":")
}

// Get returns the cached payload for the operation, or false on a miss.
// When fresh validation fields are supplied, a content-hash mismatch
// counts as a miss and drops the entry even if its TTL has not elapsed.
// Get never touches the network.
func (c *Cache) Get(operation string, fields map[string]any, args ...string) (json.RawMessage, bool) {
	if operation == "" {
		return nil, false
	}
	return c.store.Get(Fingerprint(operation, args...), fields)
}

// Put stores the response for the operation and schedules a best-effort
// broadcast to connected peers. The store and the persistence enqueue are
// synchronous; the broadcast is not. ttl <= 0 selects the default TTL.
func (c *Cache) Put(operation string, data any, ttl time.Duration, args ...string) error {
	if operation == "" {
		return errors.New("empty operation")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	var decoded any
	_ = json.Unmarshal(raw, &decoded)

	fields := validation.Extract(operation, decoded)
	hash := validation.Hash(fields)

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	// round up so a positive sub-second TTL never truncates to zero
	key := Fingerprint(operation, args...)
	e := store.Entry{
		Key:              key,
		Data:             raw,
		Timestamp:        time.Now().UnixNano(),
		TTLSeconds:       int64((ttl + time.Second - 1) / time.Second),
		ContentHash:      hash,
		ValidationFields: fields,
	}
	c.store.Put(key, e)
	c.broadcast(e)
	return nil
}

// Invalidate removes the entry for the operation.
func (c *Cache) Invalidate(operation string, args ...string) bool {
	return c.store.Invalidate(Fingerprint(operation, args...))
}

// InvalidatePattern removes every entry whose key starts with prefix and
// returns how many were removed.
func (c *Cache) InvalidatePattern(prefix string) int {
	return c.store.InvalidatePrefix(prefix)
}

// Clear empties the store, resets all counters, and removes every
// persisted file.
func (c *Cache) Clear() {
	c.store.Clear()
}

// Stats returns a snapshot of counters plus derived values.
func (c *Cache) Stats() Snapshot {
	stats := c.store.Stats()
	snap := Snapshot{
		Stats:     stats,
		HitRate:   stats.HitRate(),
		CacheSize: c.store.Len(),
	}
	c.mu.Lock()
	if c.host != nil {
		snap.PeersConnected = len(c.host.ConnectedPeers())
	}
	if c.gossiper != nil {
		drops := c.gossiper.Drops()
		snap.DroppedUndecryptable = drops.Undecryptable
		snap.DroppedInvalid = drops.Invalid
	}
	c.mu.Unlock()
	return snap
}

// Start brings up the background networking: the P2P host, the gossip
// handler, registry registration and the heartbeat loop. It is
// idempotent; a second call is a no-op. Without EnableP2P it only marks
// the cache started.
//
// Start fails closed: P2P with neither a secret nor an explicit
// cleartext opt-in returns ErrSecretRequired.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if !c.cfg.EnableP2P {
		c.started = true
		return nil
	}

	var provider encryption.Provider
	switch {
	case c.cfg.Secret != "":
		enc, err := encryption.New(c.cfg.Secret)
		if err != nil {
			return fmt.Errorf("derive gossip key: %w", err)
		}
		provider = enc
	case c.cfg.AllowCleartext:
		c.logger.Warn("gossip encryption disabled, broadcasting in cleartext")
		provider = encryption.Cleartext{}
	default:
		return ErrSecretRequired
	}

	runCtx, cancel := context.WithCancel(ctx)
	host, err := c.newHost(runCtx, c.cfg)
	if err != nil {
		cancel()
		return err
	}
	c.host = host
	c.cancel = cancel
	c.gossiper = gossip.New(host, provider, c.store, c.logger)

	if c.cfg.RegistryPath != "" {
		c.reg = registry.New(c.cfg.RegistryPath, c.cfg.RunnerName, c.cfg.PeerTTL, c.logger)
		c.reg.SetSelf(host.ID(), firstOr(host.AdvertisedAddrs(), ""), c.cfg.ListenPort, firstOr(host.AdvertisedAddrs(), ""), map[string]string{
			"runner": c.cfg.RunnerName,
		})
	}

	c.wg.Add(1)
	go c.networkLoop(runCtx)

	c.started = true
	c.logger.Infof("p2p cache sync started, peer id %s", host.ID())
	return nil
}

// Stop shuts the networking down and flushes the store to disk. Network
// activity stops before the flush so no merge can race it.
func (c *Cache) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		c.store.Close()
		c.store.Flush()
		return nil
	}
	c.started = false
	cancel, host := c.cancel, c.host
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if host != nil {
		err = host.Close()
	}
	c.wg.Wait()
	c.store.Close()
	c.store.Flush()
	return err
}

// broadcast hands the entry to the gossiper without blocking the caller.
func (c *Cache) broadcast(e store.Entry) {
	c.mu.Lock()
	g := c.gossiper
	if g == nil || !c.started {
		c.mu.Unlock()
		return
	}
	// reserve the waitgroup slot before releasing the lock: Stop flips
	// started under the same lock before it waits, so Add can never race
	// Wait from a zero counter
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()
		g.Broadcast(ctx, e)
	}()
}

// networkLoop registers this process, dials peers, and keeps both fresh
// on the heartbeat interval until the context is cancelled.
func (c *Cache) networkLoop(ctx context.Context) {
	defer c.wg.Done()

	c.heartbeat(ctx)

	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes our registry record, prunes expired ones, and
// dials any peers we aren't connected to yet. Every failure is logged
// and treated as zero peers this round.
func (c *Cache) heartbeat(ctx context.Context) {
	if c.reg != nil {
		_ = c.reg.Register()
		c.reg.Cleanup()
	}

	targets := c.cfg.BootstrapPeers
	if c.reg != nil {
		for _, rec := range c.reg.Discover(c.cfg.MaxPeers) {
			if rec.FullAddress != "" {
				targets = append(targets, rec.FullAddress)
			}
		}
	}
	for _, target := range targets {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.host.Connect(dialCtx, target); err != nil {
			c.logger.Debugf("dial %s: %v", target, err)
		}
		cancel()
	}
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
