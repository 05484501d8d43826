package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/nodelink/config"
	"github.com/vinayprograms/nodelink/connection"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/node"
)

// registerTimeout bounds the wait for the broker to confirm a node id.
const registerTimeout = 10 * time.Second

// registeredNode is a node.Node that reports when its registration has
// been confirmed by the broker.
type registeredNode interface {
	node.Node
	Registered() *node.Future
}

// openNode creates the node described by cfg. The local backend has no
// broker to reach, so it yields a loopback node that serves itself.
func openNode(ctx context.Context, cfg *config.Config, logger *logging.Logger) (registeredNode, error) {
	var opts []node.Option
	opts = append(opts, node.WithLogger(logger))
	if cfg.RequestTimeout.Duration > 0 {
		opts = append(opts, node.WithRequestTimeout(cfg.RequestTimeout.Duration))
	}

	var n registeredNode
	switch cfg.Backend {
	case config.BackendLocal:
		lb, err := node.NewLoopback(opts...)
		if err != nil {
			return nil, err
		}
		n = lb
	default:
		if cfg.NodeID == "" {
			return nil, fmt.Errorf("--id is required for the %s backend", cfg.Backend)
		}
		conn, err := dial(cfg, logger)
		if err != nil {
			return nil, err
		}
		tr, err := node.New(cfg.NodeID, conn, opts...)
		if err != nil {
			_ = conn.Release()
			return nil, err
		}
		n = tr
	}

	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if _, err := n.Registered().Wait(rctx); err != nil {
		_ = n.Release()
		return nil, fmt.Errorf("register %q: %w", n.NodeID(), err)
	}
	logger.Info("node_ready", map[string]interface{}{
		"node_id": n.NodeID(),
		"backend": cfg.Backend,
	})
	return n, nil
}

func dial(cfg *config.Config, logger *logging.Logger) (connection.Connection, error) {
	switch cfg.Backend {
	case config.BackendWebSocket:
		return connection.DialWebSocket(cfg.WebSocket.URL, cfg.WebSocket.ConnectionConfig(), logger), nil
	case config.BackendNATS:
		nc, err := connection.NewNATS(cfg.NATS.ConnectionConfig(), logger)
		if err != nil {
			return nil, err
		}
		return nc, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
