package transport

import (
	"encoding/binary"

	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
)

/*
Every message is one frame, length prefixed with a big-endian uint32. A request frame is

	version        uint16
	correlation id uint64
	handler id     uint64
	body

and a response frame is

	version        uint16
	correlation id uint64
	status         byte, statusOK or statusError
	body           the handler's response, or for an error: code uint16, message length uint32, message
*/
const (
	protocolVersion    uint16 = 1
	requestHeaderSize         = 18
	responseHeaderSize        = 11
	statusOK           byte   = 0
	statusError        byte   = 1
)

type request struct {
	correlationID uint64
	handlerID     int
	body          []byte
}

type response struct {
	correlationID uint64
	body          []byte
	// err is the error the handler answered with
	err error
}

func encodeRequest(correlationID uint64, handlerID int, body []byte) ([]byte, error) {
	if requestHeaderSize+len(body) > ipc.MaxFrameSize {
		return nil, errors.NewCubeErrorf(errors.InternalError, "request of %d bytes exceeds the maximum frame size",
			len(body))
	}
	buff := make([]byte, 0, 4+requestHeaderSize+len(body))
	buff = binary.BigEndian.AppendUint32(buff, uint32(requestHeaderSize+len(body)))
	buff = binary.BigEndian.AppendUint16(buff, protocolVersion)
	buff = binary.BigEndian.AppendUint64(buff, correlationID)
	buff = binary.BigEndian.AppendUint64(buff, uint64(handlerID))
	return append(buff, body...), nil
}

// decodeRequest parses a frame without the length prefix. The body aliases frame.
func decodeRequest(frame []byte) (request, error) {
	if len(frame) < requestHeaderSize {
		return request{}, errors.Errorf("request too short: %d bytes", len(frame))
	}
	if err := checkVersion(frame); err != nil {
		return request{}, err
	}
	return request{
		correlationID: binary.BigEndian.Uint64(frame[2:]),
		handlerID:     int(binary.BigEndian.Uint64(frame[10:])),
		body:          frame[requestHeaderSize:],
	}, nil
}

// encodeResponse frames body, or err instead if it is not nil. A body too large for one frame is answered with an
// InternalError.
func encodeResponse(correlationID uint64, body []byte, err error) []byte {
	if err == nil && responseHeaderSize+len(body) > ipc.MaxFrameSize {
		err = errors.NewCubeErrorf(errors.InternalError, "response of %d bytes exceeds the maximum frame size", len(body))
	}
	var buff []byte
	if err == nil {
		buff = make([]byte, 4, 4+responseHeaderSize+len(body))
	} else {
		buff = make([]byte, 4, 64)
	}
	buff = binary.BigEndian.AppendUint16(buff, protocolVersion)
	buff = binary.BigEndian.AppendUint64(buff, correlationID)
	if err == nil {
		buff = append(buff, statusOK)
		buff = append(buff, body...)
	} else {
		cerr := errors.MaybeConvertError(err)
		buff = append(buff, statusError)
		buff = binary.BigEndian.AppendUint16(buff, uint16(cerr.Code))
		buff = binary.BigEndian.AppendUint32(buff, uint32(len(cerr.Msg)))
		buff = append(buff, cerr.Msg...)
	}
	binary.BigEndian.PutUint32(buff, uint32(len(buff)-4))
	return buff
}

// decodeResponse parses a frame without the length prefix. The body aliases frame.
func decodeResponse(frame []byte) (response, error) {
	if len(frame) < responseHeaderSize {
		return response{}, errors.Errorf("response too short: %d bytes", len(frame))
	}
	if err := checkVersion(frame); err != nil {
		return response{}, err
	}
	resp := response{correlationID: binary.BigEndian.Uint64(frame[2:])}
	rest := frame[responseHeaderSize:]
	switch frame[10] {
	case statusOK:
		resp.body = rest
	case statusError:
		if len(rest) < 6 {
			return response{}, errors.Errorf("error response too short: %d bytes", len(frame))
		}
		code := errors.ErrorCode(binary.BigEndian.Uint16(rest))
		msgLen := int(binary.BigEndian.Uint32(rest[2:]))
		if len(rest)-6 < msgLen {
			return response{}, errors.Errorf("error message truncated: %d of %d bytes", len(rest)-6, msgLen)
		}
		resp.err = errors.NewCubeError(code, string(rest[6:6+msgLen]))
	default:
		return response{}, errors.Errorf("invalid response status %d", frame[10])
	}
	return resp, nil
}

func checkVersion(frame []byte) error {
	if version := binary.BigEndian.Uint16(frame); version != protocolVersion {
		return errors.Errorf("invalid transport version %d, only version %d is supported", version, protocolVersion)
	}
	return nil
}
