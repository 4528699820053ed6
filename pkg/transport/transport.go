// Package transport abstracts the P2P networking primitives the cache
// sync layer needs: connect to a peer, open a labeled stream, read and
// write framed messages. Connection upgrade, multiplexing, NAT traversal
// and relaying are delegated to the underlying dep2p host.
package transport

import (
	"context"
	"io"
	"time"
)

// Stream is a single bidirectional stream to one peer.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// StreamHandler is invoked for every inbound stream on a registered
// protocol. The handler owns the stream and must close it.
type StreamHandler func(Stream)

// Host is the transport capability the gossip layer is built against.
type Host interface {
	// ID returns this node's peer id.
	ID() string
	// AdvertisedAddrs returns the addresses other peers can dial,
	// including the /p2p/<id> suffix.
	AdvertisedAddrs() []string
	// Connect dials a peer by full address or peer id.
	Connect(ctx context.Context, target string) error
	// ConnectedPeers returns the ids of all currently connected peers.
	ConnectedPeers() []string
	// NewStream opens a stream to a connected peer for protocolID.
	NewStream(ctx context.Context, peerID, protocolID string) (Stream, error)
	// SetStreamHandler registers the inbound handler for protocolID.
	SetStreamHandler(protocolID string, handler StreamHandler)
	Close() error
}
