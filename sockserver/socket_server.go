package sockserver

import (
	"io"
	"net"
	"sync"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var openConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cube_socket_server_open_connections",
	Help: "connections currently accepted by a socket server",
}, []string{"server"})

// FrameHandler is called with every frame read from one connection. The frame is only valid until it returns. A
// returned error closes the connection.
type FrameHandler func(frame []byte) error

// HandlerFactory is called once per accepted connection. id is unique for the lifetime of the server. Writing to conn
// is the factory's business and may happen from any goroutine until the connection is closed.
type HandlerFactory func(id int, conn net.Conn) FrameHandler

/*
SocketServer accepts TCP connections and reads frames length prefixed by a big-endian 32 bit integer from each, one
goroutine per connection. Stop closes the listener and every open connection and waits for their goroutines.
*/
type SocketServer struct {
	name     string
	factory  HandlerFactory
	lock     sync.Mutex
	address  string
	running  bool
	listener net.Listener
	acceptWG sync.WaitGroup
	connsWG  sync.WaitGroup
	conns    map[int]net.Conn
	nextID   int
}

func NewSocketServer(name string, address string, factory HandlerFactory) *SocketServer {
	return &SocketServer{
		name:    name,
		address: address,
		factory: factory,
		conns:   map[int]net.Conn{},
	}
}

func (s *SocketServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.running {
		return nil
	}
	listener, err := common.Listen(s.address)
	if err != nil {
		return errors.WithStack(err)
	}
	s.listener = listener
	// port 0 is resolved now
	s.address = listener.Addr().String()
	s.running = true
	common.GoWithWaitGroup(&s.acceptWG, func() {
		s.acceptLoop(listener)
	})
	return nil
}

func (s *SocketServer) Stop() error {
	s.lock.Lock()
	if !s.running {
		s.lock.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	s.lock.Unlock()
	s.acceptWG.Wait()

	s.lock.Lock()
	for id, conn := range s.conns {
		if cerr := conn.Close(); cerr != nil {
			log.Debugf("failed to close connection %d: %v", id, cerr)
		}
	}
	s.lock.Unlock()
	s.connsWG.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.WithStack(err)
	}
	return nil
}

func (s *SocketServer) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.address
}

// NumConnections is the number of connections accepted and not yet closed.
func (s *SocketServer) NumConnections() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.conns)
}

func (s *SocketServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isRunning() {
				log.Errorf("socket server %s stopped accepting connections: %v", s.name, err)
			}
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				log.Debugf("failed to set no delay on %s: %v", conn.RemoteAddr(), err)
			}
		}
		id, ok := s.register(conn)
		if !ok {
			_ = conn.Close()
			return
		}
		handler := s.factory(id, conn)
		common.GoWithWaitGroup(&s.connsWG, func() {
			s.serve(id, conn, handler)
		})
	}
}

func (s *SocketServer) register(conn net.Conn) (int, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.running {
		return 0, false
	}
	s.nextID++
	s.conns[s.nextID] = conn
	openConnectionsGauge.WithLabelValues(s.name).Inc()
	return s.nextID, true
}

func (s *SocketServer) serve(id int, conn net.Conn, handler FrameHandler) {
	defer s.remove(id, conn)
	// a malformed frame must not take the process down
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic serving connection %d from %s: %v", id, conn.RemoteAddr(), r)
		}
	}()
	err := ipc.ReadFrames(conn, handler)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.isRunning() {
		log.Warnf("closing connection %d from %s: %v", id, conn.RemoteAddr(), err)
	}
}

func (s *SocketServer) remove(id int, conn net.Conn) {
	s.lock.Lock()
	if _, ok := s.conns[id]; ok {
		delete(s.conns, id)
		openConnectionsGauge.WithLabelValues(s.name).Dec()
	}
	s.lock.Unlock()
	_ = conn.Close()
}

func (s *SocketServer) isRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.running
}
