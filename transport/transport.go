package transport

import "context"

// Server receives requests and routes each one to the handler registered for its handler id.
type Server interface {
	RegisterHandler(handlerID int, handler RequestHandler) bool
	Start() error
	Stop() error
	Address() string
}

// RequestContext identifies where a request came from.
type RequestContext struct {
	ConnectionID  int
	RemoteAddress string
}

/*
RequestHandler handles one request. It answers by calling respond exactly once, either before returning or later
from another goroutine. request is only valid until the handler returns. A returned error is sent to the caller as the
response and respond must not be called after that.
*/
type RequestHandler func(rc *RequestContext, request []byte, respond ResponseWriter) error

// ResponseWriter sends the response, or err instead if it is not nil.
type ResponseWriter func(response []byte, err error) error

// Connection is the client side. SendRPC fails with TransportDisconnected once the connection is broken.
type Connection interface {
	SendRPC(ctx context.Context, handlerID int, request []byte) ([]byte, error)
	Close() error
}

type ConnectionFactory func(address string) (Connection, error)
