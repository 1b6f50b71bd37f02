package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
)

const dialTimeout = 5 * time.Second

var _ Connection = (*SocketConnection)(nil)

/*
SocketConnection is a Connection over one TCP socket. Any number of goroutines can send on it at once; responses are
matched to their requests by correlation id, so they may arrive in any order.
*/
type SocketConnection struct {
	conn      net.Conn
	writeLock sync.Mutex
	lock      sync.Mutex
	nextID    uint64
	waiting   map[uint64]chan response
	closed    bool
	closeErr  error
	readerWG  sync.WaitGroup
}

// CreateSocketConnection dials address. It is a ConnectionFactory.
func CreateSocketConnection(address string) (Connection, error) {
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.Dial("tcp", address)
	if err != nil {
		return nil, disconnected(err)
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.Debugf("failed to set no delay on connection to %s: %v", address, err)
		}
	}
	c := &SocketConnection{
		conn:    netConn,
		waiting: map[uint64]chan response{},
	}
	common.GoWithWaitGroup(&c.readerWG, c.readLoop)
	return c, nil
}

/*
SendRPC sends request to the handler registered under handlerID and waits for its response. If ctx ends first the call
fails with Cancelled and a late response is dropped. The connection fails with TransportDisconnected once it breaks,
and stays failed.
*/
func (c *SocketConnection) SendRPC(ctx context.Context, handlerID int, request []byte) ([]byte, error) {
	id, ch, err := c.register()
	if err != nil {
		return nil, err
	}
	buff, err := encodeRequest(id, handlerID, request)
	if err != nil {
		c.abandon(id)
		return nil, err
	}
	if err := c.write(buff); err != nil {
		// part of the frame may be on the wire, nothing after it can be read correctly
		c.fail(err)
		return nil, c.failure()
	}
	select {
	case resp := <-ch:
		return resp.body, resp.err
	case <-ctx.Done():
		c.abandon(id)
		select {
		case resp := <-ch:
			return resp.body, resp.err
		default:
		}
		return nil, errors.NewCancelledError("transport request cancelled")
	}
}

func (c *SocketConnection) register() (uint64, chan response, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return 0, nil, c.closeErr
	}
	id := c.nextID
	c.nextID++
	ch := make(chan response, 1)
	c.waiting[id] = ch
	return id, ch, nil
}

func (c *SocketConnection) abandon(id uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.waiting, id)
}

func (c *SocketConnection) failure() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closeErr
}

func (c *SocketConnection) write(buff []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(buff)
	return err
}

func (c *SocketConnection) readLoop() {
	err := ipc.ReadFrames(c.conn, c.handleFrame)
	if err == nil {
		err = errors.New("connection closed by server")
	} else if !c.isClosed() {
		log.Warnf("failed to read from %s: %v", c.conn.RemoteAddr(), err)
	}
	c.fail(err)
}

func (c *SocketConnection) handleFrame(frame []byte) error {
	resp, err := decodeResponse(frame)
	if err != nil {
		return err
	}
	c.lock.Lock()
	ch, ok := c.waiting[resp.correlationID]
	delete(c.waiting, resp.correlationID)
	c.lock.Unlock()
	if !ok {
		log.Debugf("dropping response to abandoned request %d", resp.correlationID)
		return nil
	}
	// the read buffer is reused for the next frame
	resp.body = common.ByteSliceCopy(resp.body)
	ch <- resp
	return nil
}

// fail closes the socket and answers every waiting call with TransportDisconnected.
func (c *SocketConnection) fail(cause error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.closed = true
		c.closeErr = disconnected(cause)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debugf("failed to close connection to %s: %v", c.conn.RemoteAddr(), err)
		}
	}
	for id, ch := range c.waiting {
		ch <- response{correlationID: id, err: c.closeErr}
		delete(c.waiting, id)
	}
}

func (c *SocketConnection) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// Close fails any calls still waiting. It can be called any number of times.
func (c *SocketConnection) Close() error {
	c.fail(errors.New("connection closed"))
	c.readerWG.Wait()
	return nil
}

func disconnected(cause error) errors.CubeError {
	return errors.NewCubeErrorf(errors.TransportDisconnected, "transport disconnected: %v", cause)
}
