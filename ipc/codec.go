package ipc

import (
	"encoding/json"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"google.golang.org/protobuf/proto"
)

// Codec converts values of T to and from frame payloads. Encode appends to buff.
type Codec[T any] interface {
	Encode(buff []byte, v T) ([]byte, error)
	Decode(buff []byte) (T, error)
}

// JSONCodec works for any value encoding/json can round trip.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(buff []byte, v T) ([]byte, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return append(buff, bytes...), nil
}

func (JSONCodec[T]) Decode(buff []byte) (T, error) {
	var v T
	if err := json.Unmarshal(buff, &v); err != nil {
		return v, errors.WithStack(err)
	}
	return v, nil
}

// ProtoCodec encodes protobuf messages. New must return an empty message to decode into.
type ProtoCodec[T proto.Message] struct {
	New func() T
}

func (p ProtoCodec[T]) Encode(buff []byte, v T) ([]byte, error) {
	out, err := proto.MarshalOptions{}.MarshalAppend(buff, v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (p ProtoCodec[T]) Decode(buff []byte) (T, error) {
	msg := p.New()
	if err := proto.Unmarshal(buff, msg); err != nil {
		return msg, errors.WithStack(err)
	}
	return msg, nil
}

// BytesCodec passes raw bytes through. Decode copies as frame buffers are reused.
type BytesCodec struct{}

func (BytesCodec) Encode(buff []byte, v []byte) ([]byte, error) {
	return append(buff, v...), nil
}

func (BytesCodec) Decode(buff []byte) ([]byte, error) {
	return common.ByteSliceCopy(buff), nil
}
