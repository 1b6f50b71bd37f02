package common

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cube-js/cube-sub010/errors"
)

// Listen is used by every server in the module instead of net.Listen. When test ports are enabled it hands out
// listeners reserved earlier by ReserveAddress, so tests never race each other for a free port.
func Listen(address string) (net.Listener, error) {
	return reserved.listen(address)
}

// ReserveAddress binds an ephemeral port on host and keeps the listener until Listen is called for the address.
func ReserveAddress(host string) (string, error) {
	return reserved.reserve(host)
}

func EnableTestPorts() {
	reserved.enabled.Store(true)
}

var reserved = &reservedPorts{listeners: map[string]net.Listener{}}

type reservedPorts struct {
	enabled   atomic.Bool
	lock      sync.Mutex
	listeners map[string]net.Listener
}

func (r *reservedPorts) listen(address string) (net.Listener, error) {
	if !r.enabled.Load() {
		return net.Listen("tcp", address)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	listener, ok := r.listeners[address]
	if !ok {
		return nil, errors.Errorf("test ports enabled and no address reserved for %s", address)
	}
	return listener, nil
}

func (r *reservedPorts) reserve(host string) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return "", err
	}
	address := listener.Addr().String()
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners[address] = &reservedListener{owner: r, address: address, Listener: listener}
	return address, nil
}

func (r *reservedPorts) release(address string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.listeners, address)
}

type reservedListener struct {
	net.Listener
	owner   *reservedPorts
	address string
}

func (l *reservedListener) Close() error {
	l.owner.release(l.address)
	return l.Listener.Close()
}
