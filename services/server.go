package services

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
	"go.uber.org/atomic"
)

/*
Server answers requests arriving on a duplex channel. Every request is processed on its own goroutine so slow calls
don't hold up fast ones, and responses are written back in completion order.
*/
type Server[Req, Resp any] struct {
	conn      *ipc.Conn
	reqCodec  ipc.Codec[Req]
	respCodec ipc.Codec[Resp]
	processor Processor[Req, Resp]
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   atomic.Bool
	stopOnce  sync.Once
	loopWG    sync.WaitGroup
	done      chan struct{}
}

// StartServer starts receiving on conn. The Server owns conn from now on.
func StartServer[Req, Resp any](conn *ipc.Conn, reqCodec ipc.Codec[Req], respCodec ipc.Codec[Resp],
	processor Processor[Req, Resp]) *Server[Req, Resp] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server[Req, Resp]{
		conn:      conn,
		reqCodec:  reqCodec,
		respCodec: respCodec,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	common.GoWithWaitGroup(&s.loopWG, s.receiveLoop)
	return s
}

func (s *Server[Req, Resp]) receiveLoop() {
	defer close(s.done)
	err := s.conn.ReadFrames(s.handleFrame)
	if err != nil && !s.stopped.Load() {
		log.Warnf("services server receive loop terminated: %v", err)
	}
}

func (s *Server[Req, Resp]) handleFrame(frame []byte) error {
	// the frame buffer is reused once we return
	frame = common.ByteSliceCopy(frame)
	common.Go(func() {
		req, err := decodeRequest(s.reqCodec, frame)
		if err != nil {
			if len(frame) < messageIDSize {
				log.Errorf("dropping malformed services request: %v", err)
				return
			}
			s.respond(ResponseMessage[Resp]{MessageID: binary.BigEndian.Uint64(frame), Err: common.LogInternalError(err)})
			return
		}
		resp, err := s.processor.Process(s.ctx, req.Payload)
		s.respond(ResponseMessage[Resp]{MessageID: req.MessageID, Payload: resp, Err: err})
	})
	return nil
}

func (s *Server[Req, Resp]) respond(msg ResponseMessage[Resp]) {
	if s.stopped.Load() {
		return
	}
	buff, err := encodeResponse(s.respCodec, msg)
	if err != nil {
		buff, _ = encodeResponse(s.respCodec, ResponseMessage[Resp]{MessageID: msg.MessageID, Err: common.LogInternalError(err)})
	}
	if err := s.conn.WriteFrame(buff); err != nil {
		// The caller has gone away, nobody is left to tell
		log.Debugf("failed to send services response for message %d: %v", msg.MessageID, err)
	}
}

// Done is closed once the receive loop has exited, either because of Stop or because the peer went away.
func (s *Server[Req, Resp]) Done() <-chan struct{} {
	return s.done
}

// Stop aborts the receive loop and closes the channel. Requests still being processed see their context
// cancelled and their responses are dropped. It can be called any number of times.
func (s *Server[Req, Resp]) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
		if err := s.conn.Close(); err != nil {
			log.Debugf("failed to close services server channel: %v", err)
		}
		s.loopWG.Wait()
	})
}
