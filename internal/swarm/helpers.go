package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/antswarm/swarmcore/internal/config"
)

func newTimeoutCtx(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

func protocolID(cfg config.Config) protocol.ID {
	return protocol.ID(fmt.Sprintf(protocolIDFmt, cfg.NetworkID))
}
