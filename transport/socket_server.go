package transport

import (
	"net"
	"sync"
	"time"

	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/cube-js/cube-sub010/sockserver"
	"go.uber.org/atomic"
)

const writeTimeout = 5 * time.Second

var _ Server = (*SocketTransportServer)(nil)

// SocketTransportServer serves requests over TCP. Requests on one connection are handled in the order they arrive,
// but handlers may answer out of order.
type SocketTransportServer struct {
	lock     sync.RWMutex
	handlers map[int]RequestHandler
	sockets  *sockserver.SocketServer
}

func NewSocketTransportServer(address string) *SocketTransportServer {
	s := &SocketTransportServer{handlers: map[int]RequestHandler{}}
	s.sockets = sockserver.NewSocketServer("transport", address, s.newConnection)
	return s
}

// RegisterHandler returns false if a handler is already registered for handlerID.
func (s *SocketTransportServer) RegisterHandler(handlerID int, handler RequestHandler) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.handlers[handlerID]; exists {
		return false
	}
	s.handlers[handlerID] = handler
	return true
}

func (s *SocketTransportServer) Start() error {
	if err := s.sockets.Start(); err != nil {
		return err
	}
	log.Infof("transport listening on %s", s.sockets.Address())
	return nil
}

// Stop closes every connection. Responses written after that fail and are dropped.
func (s *SocketTransportServer) Stop() error {
	return s.sockets.Stop()
}

func (s *SocketTransportServer) Address() string {
	return s.sockets.Address()
}

func (s *SocketTransportServer) NumConnections() int {
	return s.sockets.NumConnections()
}

func (s *SocketTransportServer) handler(handlerID int) (RequestHandler, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	handler, ok := s.handlers[handlerID]
	return handler, ok
}

func (s *SocketTransportServer) newConnection(id int, conn net.Conn) sockserver.FrameHandler {
	c := &serverConn{
		server: s,
		conn:   conn,
		rc:     RequestContext{ConnectionID: id, RemoteAddress: conn.RemoteAddr().String()},
	}
	return c.handleFrame
}

type serverConn struct {
	server    *SocketTransportServer
	conn      net.Conn
	rc        RequestContext
	writeLock sync.Mutex
}

// handleFrame answers what it can. A frame that can't be decoded has no correlation id to answer to, so the error
// closes the connection.
func (c *serverConn) handleFrame(frame []byte) error {
	req, err := decodeRequest(frame)
	if err != nil {
		return err
	}
	respond := c.responder(req.correlationID)
	handler, ok := c.server.handler(req.handlerID)
	if !ok {
		return respond(nil, errors.NewCubeErrorf(errors.InternalError, "no handler registered with id %d", req.handlerID))
	}
	rc := c.rc
	if err := handler(&rc, req.body, respond); err != nil {
		return respond(nil, err)
	}
	return nil
}

func (c *serverConn) responder(correlationID uint64) ResponseWriter {
	var responded atomic.Bool
	return func(response []byte, err error) error {
		if responded.Swap(true) {
			return errors.Errorf("request %d on connection %d was already answered", correlationID, c.rc.ConnectionID)
		}
		return c.write(encodeResponse(correlationID, response, err))
	}
}

func (c *serverConn) write(buff []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	// a client that stopped reading must not block the handler forever
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.WithStack(err)
	}
	_, err := c.conn.Write(buff)
	return errors.WithStack(err)
}
