package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
	"go.uber.org/atomic"
)

type result[Resp any] struct {
	resp Resp
	err  error
}

// message is one call to Pool.Process. It is completed exactly once.
type message[Req, Resp any] struct {
	ctx        context.Context
	request    Req
	completion chan result[Resp]
}

func (m *message[Req, Resp]) complete(resp Resp, err error) {
	m.completion <- result[Resp]{resp: resp, err: err}
}

func (m *message[Req, Resp]) fail(err error) {
	var zero Resp
	m.complete(zero, err)
}

// childHandle is a spawned child plus the goroutine bridging its blocking reads into a channel.
type childHandle struct {
	child        *Child
	responses    chan []byte
	readErr      error
	killed       chan struct{}
	readerWG     sync.WaitGroup
	stopServices func()
}

func (h *childHandle) readLoop() {
	defer close(h.responses)
	h.readErr = h.child.Conn.ReadFrames(func(frame []byte) error {
		select {
		case h.responses <- common.ByteSliceCopy(frame):
			return nil
		case <-h.killed:
			return errors.NewCancelledError("worker child killed")
		}
	})
}

/*
workerProcess is one slot of a Pool. It owns at most one child at a time and moves through
Spawning -> Ready -> Processing -> Ready, going back to Spawning whenever the child times out or its channel breaks.
Only shutdown, observed while Spawning or Ready, stops it.
*/
type workerProcess[Req, Resp any] struct {
	id        int
	pool      *Pool[Req, Resp]
	handle    *childHandle
	healthy   atomic.Bool
	spawnFail int
	logger    *log.CubeLogger
}

func (w *workerProcess[Req, Resp]) setHealthy(healthy bool) {
	if !w.healthy.CAS(!healthy, healthy) {
		return
	}
	if healthy {
		healthySlotsGauge.WithLabelValues(w.pool.cfg.Name).Inc()
	} else {
		healthySlotsGauge.WithLabelValues(w.pool.cfg.Name).Dec()
	}
}

func (w *workerProcess[Req, Resp]) run() error {
	defer w.setHealthy(false)
	for {
		if w.handle == nil {
			if !w.spawn() {
				return nil
			}
		}
		msg, ok := w.pool.queue.pop(w.pool.stopCh)
		if !ok {
			return w.kill()
		}
		queueDepthGauge.WithLabelValues(w.pool.cfg.Name).Set(float64(w.pool.queue.size()))
		w.process(msg)
	}
}

// spawn creates a child, retrying with backoff until it succeeds. It returns false if the pool was stopped meanwhile.
func (w *workerProcess[Req, Resp]) spawn() bool {
	cfg := &w.pool.cfg
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RespawnInitialBackoff
	bo.MaxInterval = cfg.RespawnMaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	for {
		child, err := w.pool.spawner.Spawn(w.pool.spawnCtx)
		if err == nil {
			spawnsCounter.WithLabelValues(cfg.Name, outcomeOK).Inc()
			w.attach(child)
			return true
		}
		if w.pool.spawnCtx.Err() != nil {
			return false
		}
		spawnsCounter.WithLabelValues(cfg.Name, outcomeError).Inc()
		w.setHealthy(false)
		w.spawnFail++
		w.logger.Warnf("failed to spawn worker child (attempt %d): %v", w.spawnFail, err)
		if cfg.MaxSpawnAttempts > 0 && w.spawnFail >= cfg.MaxSpawnAttempts {
			// Don't leave callers waiting on a slot that can't start
			if msg, ok := w.pool.queue.tryPop(); ok {
				messagesCounter.WithLabelValues(cfg.Name, outcomeSpawnFailure).Inc()
				msg.fail(errors.NewCubeErrorf(errors.ProcessSpawnFailure,
					"worker slot %d could not spawn a child after %d attempts: %v", w.id, w.spawnFail, err))
			}
		}
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
		case <-w.pool.stopCh:
			timer.Stop()
			return false
		}
	}
}

func (w *workerProcess[Req, Resp]) attach(child *Child) {
	h := &childHandle{
		child:     child,
		responses: make(chan []byte),
		killed:    make(chan struct{}),
	}
	if child.Services != nil && w.pool.cfg.ServicesHandler != nil {
		h.stopServices = w.pool.cfg.ServicesHandler(child.Services)
	}
	common.GoWithWaitGroup(&h.readerWG, h.readLoop)
	w.handle = h
	w.spawnFail = 0
	w.setHealthy(true)
	w.logger.Debugf("spawned worker child %d", child.Pid)
}

// kill terminates the current child. A failure to kill is logged and returned, the slot respawns regardless.
func (w *workerProcess[Req, Resp]) kill() error {
	h := w.handle
	if h == nil {
		return nil
	}
	w.handle = nil
	w.setHealthy(false)
	close(h.killed)
	if h.stopServices != nil {
		h.stopServices()
	}
	err := h.child.Kill()
	if err != nil {
		w.logger.Warnf("failed to kill worker child %d: %v", h.child.Pid, err)
	}
	h.readerWG.Wait()
	return err
}

func (w *workerProcess[Req, Resp]) process(msg *message[Req, Resp]) {
	name := w.pool.cfg.Name
	if msg.ctx.Err() != nil {
		messagesCounter.WithLabelValues(name, outcomeCancelled).Inc()
		msg.fail(errors.NewCancelledError("request cancelled before it reached a worker"))
		return
	}
	buff, err := w.pool.reqCodec.Encode(nil, msg.request)
	if err != nil {
		messagesCounter.WithLabelValues(name, outcomeError).Inc()
		msg.fail(common.LogInternalError(err))
		return
	}
	h := w.handle
	start := time.Now()
	// The write can block on a child that has stopped reading, so it is raced against the timeout as well
	sent := make(chan error, 1)
	common.Go(func() {
		sent <- h.child.Conn.WriteFrame(buff)
	})
	timer := time.NewTimer(w.pool.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				w.disconnected(msg, err)
				return
			}
		case frame, ok := <-h.responses:
			if !ok {
				w.disconnected(msg, h.readErr)
				return
			}
			processDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			resp, err := ipc.DecodeResult(frame, w.pool.respCodec)
			if err != nil {
				messagesCounter.WithLabelValues(name, outcomeError).Inc()
			} else {
				messagesCounter.WithLabelValues(name, outcomeOK).Inc()
			}
			msg.complete(resp, err)
			return
		case <-timer.C:
			messagesCounter.WithLabelValues(name, outcomeTimeout).Inc()
			msg.fail(errors.NewTimeoutErrorf("worker child %d did not respond within %s", h.child.Pid,
				w.pool.cfg.Timeout))
			w.logger.Warnf("killing worker child %d after timeout", h.child.Pid)
			_ = w.kill()
			return
		}
	}
}

func (w *workerProcess[Req, Resp]) disconnected(msg *message[Req, Resp], cause error) {
	messagesCounter.WithLabelValues(w.pool.cfg.Name, outcomeDisconnected).Inc()
	pid := w.handle.child.Pid
	if cause == nil {
		cause = errors.New("channel closed by child")
	}
	msg.fail(errors.NewCubeErrorf(errors.TransportDisconnected, "lost worker child %d: %v", pid, cause))
	w.logger.Warnf("worker child %d disconnected: %v", pid, cause)
	_ = w.kill()
}
