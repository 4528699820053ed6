package transport

import (
	"context"
	"fmt"

	dep2p "github.com/dep2p/go-dep2p"
	pkgif "github.com/dep2p/go-dep2p/pkg/interfaces"
)

// depHost adapts a dep2p node to the Host interface.
type depHost struct {
	node *dep2p.Node
}

// NewDepHost starts a dep2p node listening on listenPort (0 picks a
// random port) and dials the given bootstrap peers.
func NewDepHost(ctx context.Context, listenPort int, bootstrap []string) (Host, error) {
	opts := []dep2p.Option{}
	if listenPort > 0 {
		opts = append(opts, dep2p.WithListenPort(listenPort))
	}
	if len(bootstrap) > 0 {
		opts = append(opts, dep2p.WithBootstrapPeers(bootstrap...))
	}
	node, err := dep2p.Start(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("start p2p node: %w", err)
	}
	return &depHost{node: node}, nil
}

func (h *depHost) ID() string {
	return h.node.ID()
}

func (h *depHost) AdvertisedAddrs() []string {
	return h.node.AdvertisedAddrs()
}

func (h *depHost) Connect(ctx context.Context, target string) error {
	return h.node.Connect(ctx, target)
}

func (h *depHost) ConnectedPeers() []string {
	return h.node.Host().Network().Peers()
}

func (h *depHost) NewStream(ctx context.Context, peerID, protocolID string) (Stream, error) {
	s, err := h.node.Host().NewStream(ctx, peerID, protocolID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (h *depHost) SetStreamHandler(protocolID string, handler StreamHandler) {
	h.node.Host().SetStreamHandler(protocolID, func(s pkgif.Stream) {
		handler(s)
	})
}

func (h *depHost) Close() error {
	return h.node.Close()
}
