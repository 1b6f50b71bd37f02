package worker

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
)

// MessageProcessor does the work of a worker child. It runs inside the child process, one request at a time.
type MessageProcessor[Req, Resp any] interface {
	Process(ctx context.Context, req Req) (Resp, error)
}

type MessageProcessorFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f MessageProcessorFunc[Req, Resp]) Process(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

type childMain func(ctx context.Context, conn *ipc.Conn) error

var (
	registryLock sync.Mutex
	registry     = map[string]childMain{}
)

// Register makes processor available to worker children under name. It must be called in every process that may be
// started as a child, before MaybeRunChild, typically from an init function.
func Register[Req, Resp any](name string, reqCodec ipc.Codec[Req], respCodec ipc.Codec[Resp],
	processor MessageProcessor[Req, Resp]) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if _, exists := registry[name]; exists {
		panic(errors.Errorf("worker processor %s registered twice", name))
	}
	registry[name] = func(ctx context.Context, conn *ipc.Conn) error {
		return ServeChild(ctx, conn, reqCodec, respCodec, processor)
	}
}

/*
MaybeRunChild returns immediately unless the current process was started by an ExecSpawner. In that case it runs the
registered processor on stdin/stdout until the parent closes the channel and then exits the process; it never
returns.
*/
func MaybeRunChild() {
	name, ok := os.LookupEnv(ProcessorEnvVar)
	if !ok {
		return
	}
	defer common.PanicHandler()
	// stdout carries frames
	log.RedirectToStderr()
	registryLock.Lock()
	run, ok := registry[name]
	registryLock.Unlock()
	if !ok {
		log.Errorf("no worker processor registered as %s", name)
		os.Exit(2)
	}
	conn := ipc.NewConn(os.Stdin, os.Stdout)
	if err := run(context.Background(), conn); err != nil {
		log.Errorf("worker child %d for %s terminated: %v", os.Getpid(), name, err)
		os.Exit(1)
	}
	os.Exit(0)
}

/*
ServeChild is the loop run inside a worker child: receive a request, process it, send the result back. Requests are
processed strictly one after the other. It returns nil when the parent closes the channel. A processor error is sent
back as the result; it does not end the loop.
*/
func ServeChild[Req, Resp any](ctx context.Context, conn *ipc.Conn, reqCodec ipc.Codec[Req], respCodec ipc.Codec[Resp],
	processor MessageProcessor[Req, Resp]) error {
	err := conn.ReadFrames(func(frame []byte) error {
		var resp Resp
		req, err := reqCodec.Decode(frame)
		if err == nil {
			resp, err = processor.Process(ctx, req)
		} else {
			err = common.LogInternalError(err)
		}
		buff, err := ipc.EncodeResult(nil, respCodec, resp, err)
		if err != nil {
			buff, _ = ipc.EncodeResult(nil, respCodec, resp, common.LogInternalError(err))
		}
		return conn.WriteFrame(buff)
	})
	if err == nil || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

var (
	parentConnOnce sync.Once
	parentConn     *ipc.Conn
	parentConnErr  error
)

// ParentConn returns the channel a worker child can use to call services in its parent, see services.Connect. It is
// only available when the spawner was configured with Services.
func ParentConn() (*ipc.Conn, error) {
	parentConnOnce.Do(func() {
		if _, ok := os.LookupEnv(servicesEnvVar); !ok {
			parentConnErr = errors.NewCubeError(errors.TransportDisconnected, "worker child has no services channel")
			return
		}
		parentConn = ipc.NewConn(os.NewFile(3, "services-in"), os.NewFile(4, "services-out"))
	})
	return parentConn, parentConnErr
}
