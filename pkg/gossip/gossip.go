// Package gossip propagates cache updates to currently connected peers.
// Replication is best-effort and single-hop: one failed or slow peer
// never blocks delivery to the others, there are no retries, and entries
// are never relayed onward.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peersync/apicache/pkg/encryption"
	"github.com/peersync/apicache/pkg/store"
	"github.com/peersync/apicache/pkg/transport"
	"github.com/peersync/apicache/pkg/validation"
)

const (
	// ProtocolID labels cache sync streams on the P2P host.
	ProtocolID = "/cache-sync/1.0.0"

	ackOK        = "OK"
	ackErrPrefix = "ERROR:"

	// streamTimeout bounds every per-peer interaction so a stalled peer
	// cannot wedge the broadcaster.
	streamTimeout = 5 * time.Second
)

// message is the wire format. From carries the sender's peer id so the
// receiver can attribute the entry.
type message struct {
	Key   string      `json:"key"`
	From  string      `json:"from,omitempty"`
	Entry store.Entry `json:"entry"`
}

// Drops counts inbound messages that were discarded instead of merged.
type Drops struct {
	Undecryptable int64 `json:"undecryptable"`
	Invalid       int64 `json:"invalid"`
}

// Gossiper sends local cache updates to connected peers and merges
// inbound updates into the store. It holds no entry state of its own.
type Gossiper struct {
	host   transport.Host
	enc    encryption.Provider
	store  *store.Store
	logger logrus.FieldLogger

	undecryptable atomic.Int64
	invalid       atomic.Int64
}

// New wires a gossiper to the host and registers its inbound stream
// handler.
func New(host transport.Host, enc encryption.Provider, st *store.Store, logger logrus.FieldLogger) *Gossiper {
	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	g := &Gossiper{
		host:   host,
		enc:    enc,
		store:  st,
		logger: logger.WithField("module", "gossip"),
	}
	host.SetStreamHandler(ProtocolID, g.handleStream)
	return g
}

// Broadcast sends the entry to every currently connected peer. Each peer
// is handled independently; failures are logged and skipped.
func (g *Gossiper) Broadcast(ctx context.Context, e store.Entry) {
	peers := g.host.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	raw, err := json.Marshal(message{Key: e.Key, From: g.host.ID(), Entry: e})
	if err != nil {
		g.logger.Warnf("marshal update for %q: %v", e.Key, err)
		return
	}
	body, err := g.enc.Encrypt(raw)
	if err != nil {
		g.logger.Warnf("encrypt update for %q: %v", e.Key, err)
		return
	}
	for _, peer := range peers {
		if err := g.sendTo(ctx, peer, body); err != nil {
			g.logger.Debugf("gossip %q to %s: %v", e.Key, peer, err)
		}
	}
}

// Drops returns a snapshot of the inbound drop counters.
func (g *Gossiper) Drops() Drops {
	return Drops{
		Undecryptable: g.undecryptable.Load(),
		Invalid:       g.invalid.Load(),
	}
}

func (g *Gossiper) sendTo(ctx context.Context, peerID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	s, err := g.host.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	if err := transport.WriteFrame(s, body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	ack, err := transport.ReadFrame(s)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if string(ack) != ackOK {
		return fmt.Errorf("peer rejected update: %s", ack)
	}
	return nil
}

// handleStream processes one inbound update: read, decrypt, validate,
// merge, ack. Undecryptable or invalid messages are dropped with an error
// ack and never merged.
func (g *Gossiper) handleStream(s transport.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	body, err := transport.ReadFrame(s)
	if err != nil {
		g.logger.Debugf("read inbound update: %v", err)
		return
	}

	raw, err := g.enc.Decrypt(body)
	if err != nil {
		g.undecryptable.Add(1)
		g.logger.Debugf("drop inbound update: %v", err)
		g.reject(s, "undecryptable")
		return
	}

	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Key == "" {
		g.invalid.Add(1)
		g.logger.Debugf("drop malformed inbound update")
		g.reject(s, "malformed")
		return
	}

	e := msg.Entry
	if e.ContentHash != "" && e.ValidationFields != nil &&
		validation.Hash(e.ValidationFields) != e.ContentHash {
		g.invalid.Add(1)
		g.logger.Debugf("drop inbound update %q: content hash mismatch", msg.Key)
		g.reject(s, "content hash mismatch")
		return
	}
	if e.SourcePeer == "" {
		e.SourcePeer = msg.From
	}

	if g.store.MergeRemote(msg.Key, e) {
		g.logger.Debugf("merged %q from %s", msg.Key, e.SourcePeer)
	}
	if err := transport.WriteFrame(s, []byte(ackOK)); err != nil {
		g.logger.Debugf("write ack: %v", err)
	}
}

func (g *Gossiper) reject(s transport.Stream, reason string) {
	if err := transport.WriteFrame(s, []byte(ackErrPrefix+" "+reason)); err != nil {
		g.logger.Debugf("write error ack: %v", err)
	}
}
