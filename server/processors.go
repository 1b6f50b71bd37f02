package server

import (
	"context"

	"github.com/cube-js/cube-sub010/ipc"
	"github.com/cube-js/cube-sub010/worker"
)

// EchoProcessor is the name of the built in processor which returns each request unchanged.
const EchoProcessor = "echo"

func init() {
	worker.Register[[]byte, []byte](EchoProcessor, ipc.BytesCodec{}, ipc.BytesCodec{},
		worker.MessageProcessorFunc[[]byte, []byte](echo))
}

func echo(_ context.Context, req []byte) ([]byte, error) {
	return req, nil
}
