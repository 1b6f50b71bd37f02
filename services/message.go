package services

import (
	"context"
	"encoding/binary"

	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
)

// Processor handles requests arriving at a Server.
type Processor[Req, Resp any] interface {
	Process(ctx context.Context, req Req) (Resp, error)
}

type ProcessorFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f ProcessorFunc[Req, Resp]) Process(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

const messageIDSize = 8

// RequestMessage is one call. MessageID is assigned by the client and is the only thing a response is matched on.
type RequestMessage[P any] struct {
	MessageID uint64
	Payload   P
}

type ResponseMessage[P any] struct {
	MessageID uint64
	Payload   P
	Err       error
}

/*
The request frame format is:
1. message id - uint64 big endian
2. the codec encoded payload

The response frame format is:
1. message id - uint64 big endian
2. an ipc result envelope
*/
func encodeRequest[P any](codec ipc.Codec[P], msg RequestMessage[P]) ([]byte, error) {
	buff := make([]byte, messageIDSize, 64)
	binary.BigEndian.PutUint64(buff, msg.MessageID)
	return codec.Encode(buff, msg.Payload)
}

func decodeRequest[P any](codec ipc.Codec[P], frame []byte) (RequestMessage[P], error) {
	if len(frame) < messageIDSize {
		return RequestMessage[P]{}, errors.Errorf("request frame too short: %d bytes", len(frame))
	}
	msg := RequestMessage[P]{MessageID: binary.BigEndian.Uint64(frame)}
	payload, err := codec.Decode(frame[messageIDSize:])
	if err != nil {
		return msg, err
	}
	msg.Payload = payload
	return msg, nil
}

func encodeResponse[P any](codec ipc.Codec[P], msg ResponseMessage[P]) ([]byte, error) {
	buff := make([]byte, messageIDSize, 64)
	binary.BigEndian.PutUint64(buff, msg.MessageID)
	return ipc.EncodeResult(buff, codec, msg.Payload, msg.Err)
}

func decodeResponse[P any](codec ipc.Codec[P], frame []byte) (ResponseMessage[P], error) {
	if len(frame) < messageIDSize {
		return ResponseMessage[P]{}, errors.Errorf("response frame too short: %d bytes", len(frame))
	}
	msg := ResponseMessage[P]{MessageID: binary.BigEndian.Uint64(frame)}
	msg.Payload, msg.Err = ipc.DecodeResult(frame[messageIDSize:], codec)
	return msg, nil
}
