package cache

import (
	"context"

	"github.com/peersync/apicache/pkg/transport"
)

// newDepHost is the production host factory; tests substitute their own.
func newDepHost(ctx context.Context, cfg Config) (transport.Host, error) {
	return transport.NewDepHost(ctx, cfg.ListenPort, cfg.BootstrapPeers)
}
