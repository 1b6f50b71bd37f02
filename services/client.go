package services

import (
	"context"
	"sync"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"
)

const (
	DefaultCallTimeout = 5 * time.Second
	completedIDsSize   = 1024
)

type clientOptions struct {
	callTimeout time.Duration
}

type ClientOption func(*clientOptions)

// WithCallTimeout overrides the time each Send waits for its response.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.callTimeout = timeout
	}
}

/*
Client calls a Server over a duplex channel. Any number of goroutines may call Send concurrently; each call gets the
next message id and its own single-shot completion channel, and the receive loop routes every response to the
channel registered for its id.
*/
type Client[Req, Resp any] struct {
	conn         *ipc.Conn
	reqCodec     ipc.Codec[Req]
	respCodec    ipc.Codec[Resp]
	callTimeout  time.Duration
	lock         sync.Mutex
	nextID       uint64
	inflight     map[uint64]chan ResponseMessage[Resp]
	completedIDs *lru.Cache
	closed       atomic.Bool
	closeErr     error
	closeOnce    sync.Once
	loopWG       sync.WaitGroup
}

// Connect starts the receive loop on conn. The Client owns conn from now on.
func Connect[Req, Resp any](conn *ipc.Conn, reqCodec ipc.Codec[Req], respCodec ipc.Codec[Resp],
	opts ...ClientOption) *Client[Req, Resp] {
	options := clientOptions{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	completedIDs, err := lru.New(completedIDsSize)
	if err != nil {
		panic(err)
	}
	c := &Client[Req, Resp]{
		conn:         conn,
		reqCodec:     reqCodec,
		respCodec:    respCodec,
		callTimeout:  options.callTimeout,
		inflight:     map[uint64]chan ResponseMessage[Resp]{},
		completedIDs: completedIDs,
	}
	common.GoWithWaitGroup(&c.loopWG, c.receiveLoop)
	return c
}

// Send calls the server and waits for its response, for at most the call timeout. It fails with Timeout,
// Cancelled if ctx is done first, or TransportDisconnected if the channel is broken.
func (c *Client[Req, Resp]) Send(ctx context.Context, payload Req) (Resp, error) {
	var zero Resp
	id, ch, err := c.register()
	if err != nil {
		return zero, err
	}
	buff, err := encodeRequest(c.reqCodec, RequestMessage[Req]{MessageID: id, Payload: payload})
	if err != nil {
		c.abandon(id)
		return zero, err
	}
	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	// A peer that stops reading blocks the write, so it counts against the call timeout too
	sent := make(chan error, 1)
	common.Go(func() {
		sent <- c.conn.WriteFrame(buff)
	})
	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				c.abandon(id)
				return zero, errors.NewCubeErrorf(errors.TransportDisconnected, "failed to send services request: %v", err)
			}
		case resp := <-ch:
			return resp.Payload, resp.Err
		case <-timer.C:
			if resp, ok := c.giveUp(id, ch, sent != nil); ok {
				return resp.Payload, resp.Err
			}
			return zero, errors.NewTimeoutErrorf("services request %d timed out after %s", id, c.callTimeout)
		case <-ctx.Done():
			if resp, ok := c.giveUp(id, ch, sent != nil); ok {
				return resp.Payload, resp.Err
			}
			return zero, errors.NewCancelledError("services request cancelled")
		}
	}
}

// giveUp abandons id. A frame that may be half written leaves the channel unusable, so writePending closes it.
func (c *Client[Req, Resp]) giveUp(id uint64, ch chan ResponseMessage[Resp], writePending bool) (ResponseMessage[Resp], bool) {
	resp, ok := c.abandonOrTake(id, ch)
	if writePending {
		log.Warnf("services request %d was not written before the call ended, closing channel", id)
		if err := c.Close(); err != nil {
			log.Debugf("failed to close services channel: %v", err)
		}
	}
	return resp, ok
}

func (c *Client[Req, Resp]) register() (uint64, chan ResponseMessage[Resp], error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed.Load() {
		return 0, nil, c.closeErr
	}
	id := c.nextID
	c.nextID++
	ch := make(chan ResponseMessage[Resp], 1)
	c.inflight[id] = ch
	return id, ch, nil
}

func (c *Client[Req, Resp]) abandon(id uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.inflight, id)
	c.completedIDs.Add(id, struct{}{})
}

// abandonOrTake gives up on id. If the response was routed to ch in the meantime it is returned instead.
func (c *Client[Req, Resp]) abandonOrTake(id uint64, ch chan ResponseMessage[Resp]) (ResponseMessage[Resp], bool) {
	c.lock.Lock()
	_, waiting := c.inflight[id]
	if waiting {
		delete(c.inflight, id)
		c.completedIDs.Add(id, struct{}{})
	}
	c.lock.Unlock()
	if waiting {
		return ResponseMessage[Resp]{}, false
	}
	// Routed or failed under the lock before we got it, so it is already in the channel
	return <-ch, true
}

func (c *Client[Req, Resp]) receiveLoop() {
	err := c.conn.ReadFrames(c.handleFrame)
	var closeErr errors.CubeError
	if err != nil {
		closeErr = errors.NewCubeErrorf(errors.TransportDisconnected, "services channel failed: %v", err)
	} else {
		closeErr = errors.NewCubeError(errors.TransportDisconnected, "services channel closed by peer")
	}
	c.failAll(closeErr)
}

func (c *Client[Req, Resp]) handleFrame(frame []byte) error {
	resp, err := decodeResponse(c.respCodec, frame)
	if err != nil {
		log.Errorf("dropping malformed services response: %v", err)
		return nil
	}
	c.lock.Lock()
	ch, ok := c.inflight[resp.MessageID]
	if ok {
		delete(c.inflight, resp.MessageID)
		c.completedIDs.Add(resp.MessageID, struct{}{})
		ch <- resp
	}
	consumed := !ok && c.completedIDs.Contains(resp.MessageID)
	c.lock.Unlock()
	if ok {
		return nil
	}
	if consumed {
		cerr := errors.NewCubeErrorf(errors.ResponseConsumedElsewhere,
			"response for services message %d was already consumed or abandoned", resp.MessageID)
		log.Warnf("%v", cerr)
	} else {
		log.Warnf("received services response for unknown message %d", resp.MessageID)
	}
	return nil
}

func (c *Client[Req, Resp]) failAll(err errors.CubeError) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed.Load() {
		c.closeErr = err
		c.closed.Store(true)
	}
	for id, ch := range c.inflight {
		ch <- ResponseMessage[Resp]{MessageID: id, Err: c.closeErr}
		delete(c.inflight, id)
		c.completedIDs.Add(id, struct{}{})
	}
}

// Close closes the channel and fails any calls still waiting. It can be called any number of times.
func (c *Client[Req, Resp]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.failAll(errors.NewCubeError(errors.TransportDisconnected, "services client closed"))
		err = c.conn.Close()
		c.loopWG.Wait()
	})
	return err
}
