package ipc

import (
	"encoding/binary"

	"github.com/cube-js/cube-sub010/errors"
)

const (
	resultOK    byte = 0
	resultError byte = 1
)

/*
EncodeResult appends a result envelope to buff. The format is:
1. OK/error - byte, 0 if OK, 1 if error
2. if OK, the codec encoded value
3. if error, error code - uint16 big endian, message length - uint32 big endian, then the message bytes

Errors that are not CubeErrors are sent as InternalError with their message.
*/
func EncodeResult[T any](buff []byte, codec Codec[T], v T, err error) ([]byte, error) {
	if err != nil {
		return appendError(buff, err), nil
	}
	buff = append(buff, resultOK)
	return codec.Encode(buff, v)
}

func appendError(buff []byte, err error) []byte {
	cerr := errors.MaybeConvertError(err)
	buff = append(buff, resultError)
	buff = binary.BigEndian.AppendUint16(buff, uint16(cerr.Code))
	buff = binary.BigEndian.AppendUint32(buff, uint32(len(cerr.Msg)))
	return append(buff, cerr.Msg...)
}

// DecodeResult is the inverse of EncodeResult. The returned error is either the remote CubeError or a local decoding
// error.
func DecodeResult[T any](buff []byte, codec Codec[T]) (T, error) {
	var zero T
	if len(buff) < 1 {
		return zero, errors.New("empty result frame")
	}
	if buff[0] == resultOK {
		return codec.Decode(buff[1:])
	}
	if len(buff) < 7 {
		return zero, errors.Errorf("truncated error result frame of %d bytes", len(buff))
	}
	code := errors.ErrorCode(binary.BigEndian.Uint16(buff[1:]))
	msgLen := int(binary.BigEndian.Uint32(buff[3:]))
	if len(buff) < 7+msgLen {
		return zero, errors.Errorf("truncated error message in result frame")
	}
	return zero, errors.NewCubeError(code, string(buff[7:7+msgLen]))
}
