package transport

import (
	"context"
	"sync"

	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
	"go.uber.org/atomic"
)

// ConnectionCache spreads calls to one address over up to maxConnections connections. Connections are dialled on
// first use and replaced once they break.
type ConnectionCache struct {
	address string
	factory ConnectionFactory
	next    atomic.Uint64
	lock    sync.Mutex
	conns   []Connection
	closed  bool
}

func NewConnectionCache(address string, maxConnections int, factory ConnectionFactory) *ConnectionCache {
	if maxConnections < 1 {
		maxConnections = 1
	}
	return &ConnectionCache{
		address: address,
		factory: factory,
		conns:   make([]Connection, maxConnections),
	}
}

// SendRPC sends on the next connection in turn. A connection that fails with TransportDisconnected is closed and
// dropped, so a later call dials a new one.
func (cc *ConnectionCache) SendRPC(ctx context.Context, handlerID int, request []byte) ([]byte, error) {
	slot, conn, err := cc.connection()
	if err != nil {
		return nil, err
	}
	resp, err := conn.SendRPC(ctx, handlerID, request)
	if errors.IsCubeErrorWithCode(err, errors.TransportDisconnected) {
		cc.evict(slot, conn)
	}
	return resp, err
}

func (cc *ConnectionCache) connection() (int, Connection, error) {
	slot := int((cc.next.Inc() - 1) % uint64(len(cc.conns)))
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if cc.closed {
		return 0, nil, errors.NewCubeErrorf(errors.TransportDisconnected, "connection cache for %s is closed", cc.address)
	}
	if conn := cc.conns[slot]; conn != nil {
		return slot, conn, nil
	}
	conn, err := cc.factory(cc.address)
	if err != nil {
		return 0, nil, err
	}
	cc.conns[slot] = conn
	return slot, conn, nil
}

func (cc *ConnectionCache) evict(slot int, conn Connection) {
	cc.lock.Lock()
	current := cc.conns[slot] == conn
	if current {
		cc.conns[slot] = nil
	}
	cc.lock.Unlock()
	if !current {
		// another caller got there first
		return
	}
	if err := conn.Close(); err != nil {
		log.Debugf("failed to close broken connection to %s: %v", cc.address, err)
	}
}

func (cc *ConnectionCache) NumConnections() int {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	num := 0
	for _, conn := range cc.conns {
		if conn != nil {
			num++
		}
	}
	return num
}

// Close closes every cached connection. Calls made afterwards fail with TransportDisconnected.
func (cc *ConnectionCache) Close() error {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cc.closed = true
	var firstErr error
	for i, conn := range cc.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		cc.conns[i] = nil
	}
	return firstErr
}
