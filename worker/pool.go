package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/cube-js/cube-sub010/services"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRespawnInitialBackoff = 100 * time.Millisecond
	DefaultRespawnMaxBackoff     = 10 * time.Second
)

// ServicesHandler serves calls a child makes on its services channel. It returns a function that stops serving.
type ServicesHandler func(conn *ipc.Conn) (stop func())

// ServeServices returns a ServicesHandler that answers child calls with processor.
func ServeServices[Req, Resp any](reqCodec ipc.Codec[Req], respCodec ipc.Codec[Resp],
	processor services.Processor[Req, Resp]) ServicesHandler {
	return func(conn *ipc.Conn) func() {
		server := services.StartServer(conn, reqCodec, respCodec, processor)
		return server.Stop
	}
}

type PoolConfig struct {
	Name       string
	NumWorkers int
	// Timeout bounds each request once it has been handed to a child
	Timeout               time.Duration
	RespawnInitialBackoff time.Duration
	RespawnMaxBackoff     time.Duration
	// MaxSpawnAttempts is the number of consecutive spawn failures after which a slot starts failing queued
	// messages with ProcessSpawnFailure. Zero means never.
	MaxSpawnAttempts int
	ServicesHandler  ServicesHandler
}

func (c *PoolConfig) validate() error {
	if c.NumWorkers < 1 {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("worker pool num-workers must be > 0 but is %d", c.NumWorkers))
	}
	if c.Timeout <= 0 {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("worker pool timeout must be > 0 but is %s", c.Timeout))
	}
	if c.MaxSpawnAttempts < 0 {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("worker pool max-spawn-attempts must be >= 0 but is %d", c.MaxSpawnAttempts))
	}
	if c.RespawnInitialBackoff == 0 {
		c.RespawnInitialBackoff = DefaultRespawnInitialBackoff
	}
	if c.RespawnMaxBackoff == 0 {
		c.RespawnMaxBackoff = DefaultRespawnMaxBackoff
	}
	if c.RespawnMaxBackoff < c.RespawnInitialBackoff {
		return errors.NewInvalidConfigurationError("worker pool respawn-max-backoff must be >= respawn-initial-backoff")
	}
	return nil
}

/*
Pool runs requests in a fixed number of child processes. Requests go onto an unbounded queue and each slot takes one
at a time, so at most NumWorkers requests run concurrently. A slot whose child times out or dies answers the caller
with an error and starts a new child before taking the next request.

The queue has no bound. Callers that need to throttle should put a ratelimit.ProcessRateLimiter in front of the pool.
*/
type Pool[Req, Resp any] struct {
	cfg       PoolConfig
	spawner   Spawner
	reqCodec  ipc.Codec[Req]
	respCodec ipc.Codec[Resp]
	queue     *queue[*message[Req, Resp]]
	slots     []*workerProcess[Req, Resp]
	finished  []chan error
	// spawnCtx only bounds starting children, a running child lives until its slot kills it
	spawnCtx    context.Context
	cancelSpawn context.CancelFunc
	stopCh      chan struct{}
	stopLock    sync.RWMutex
	stopped     bool
}

// NewPool creates the pool and immediately starts one goroutine per slot, each spawning its child.
func NewPool[Req, Resp any](cfg PoolConfig, spawner Spawner, reqCodec ipc.Codec[Req],
	respCodec ipc.Codec[Resp]) (*Pool[Req, Resp], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	spawnCtx, cancelSpawn := context.WithCancel(context.Background())
	p := &Pool[Req, Resp]{
		cfg:         cfg,
		spawner:     spawner,
		reqCodec:    reqCodec,
		respCodec:   respCodec,
		queue:       newQueue[*message[Req, Resp]](),
		spawnCtx:    spawnCtx,
		cancelSpawn: cancelSpawn,
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		slot := &workerProcess[Req, Resp]{
			id:     i,
			pool:   p,
			logger: log.GetLogger("worker").With("pool", cfg.Name, "slot", i),
		}
		finished := make(chan error, 1)
		p.slots = append(p.slots, slot)
		p.finished = append(p.finished, finished)
		common.Go(func() {
			finished <- slot.run()
		})
	}
	return p, nil
}

/*
Process runs req in one of the pool's children and returns its response. It fails with Timeout if the child doesn't
answer in time, TransportDisconnected if the child dies, ProcessSpawnFailure if the slot can't start a child, and
Cancelled if ctx ends or the pool is stopped before the request completes.
*/
func (p *Pool[Req, Resp]) Process(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	msg := &message[Req, Resp]{
		ctx:        ctx,
		request:    req,
		completion: make(chan result[Resp], 1),
	}
	p.stopLock.RLock()
	if p.stopped {
		p.stopLock.RUnlock()
		return zero, errors.NewCancelledError(fmt.Sprintf("worker pool %s is stopped", p.cfg.Name))
	}
	p.queue.push(msg)
	p.stopLock.RUnlock()
	queueDepthGauge.WithLabelValues(p.cfg.Name).Set(float64(p.queue.size()))
	select {
	case res := <-msg.completion:
		return res.resp, res.err
	case <-ctx.Done():
		return zero, errors.NewCancelledError("worker pool request cancelled")
	}
}

/*
StopWorkers signals every slot to stop and waits until they all have. A slot only stops between requests, so a
request being processed runs to completion or timeout first. Requests still queued afterwards fail with Cancelled.
Calling it again does nothing.
*/
func (p *Pool[Req, Resp]) StopWorkers() error {
	p.stopLock.Lock()
	if p.stopped {
		p.stopLock.Unlock()
		return nil
	}
	p.stopped = true
	p.stopLock.Unlock()
	close(p.stopCh)
	// a slot may be inside Spawn and can't see stopCh until it returns
	p.cancelSpawn()
	var g errgroup.Group
	for i, finished := range p.finished {
		slot, finished := i, finished
		g.Go(func() error {
			if err := <-finished; err != nil {
				return errors.Wrapf(err, "worker pool %s slot %d", p.cfg.Name, slot)
			}
			return nil
		})
	}
	err := g.Wait()
	for _, msg := range p.queue.drain() {
		msg.fail(errors.NewCancelledError(fmt.Sprintf("worker pool %s stopped", p.cfg.Name)))
	}
	queueDepthGauge.WithLabelValues(p.cfg.Name).Set(0)
	return err
}

// QueueDepth is the number of requests waiting for a slot.
func (p *Pool[Req, Resp]) QueueDepth() int {
	return p.queue.size()
}

// HealthySlots is the number of slots that currently have a running child.
func (p *Pool[Req, Resp]) HealthySlots() int {
	healthy := 0
	for _, slot := range p.slots {
		if slot.healthy.Load() {
			healthy++
		}
	}
	return healthy
}
