package server

import (
	"context"

	"github.com/cube-js/cube-sub010/transport"
)

const DefaultMaxConnections = 4

// Client sends execute requests to a Server, spreading them over a small cache of socket connections.
type Client struct {
	connCache *transport.ConnectionCache
}

func NewClient(address string, maxConnections int) *Client {
	if maxConnections < 1 {
		maxConnections = DefaultMaxConnections
	}
	return &Client{
		connCache: transport.NewConnectionCache(address, maxConnections, transport.CreateSocketConnection),
	}
}

// Execute runs request on the server's workers and returns the worker's response. Errors from the server keep their
// code. A lost connection is reported as TransportDisconnected and redialled on the next call, and Cancelled is
// returned if ctx ends first.
func (c *Client) Execute(ctx context.Context, request []byte) ([]byte, error) {
	return c.connCache.SendRPC(ctx, ExecuteHandlerID, request)
}

func (c *Client) Close() error {
	return c.connCache.Close()
}
