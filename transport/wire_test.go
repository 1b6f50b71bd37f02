package transport

import (
	"encoding/binary"
	"testing"

	"github.com/cube-js/cube-sub010/errors"
	"github.com/stretchr/testify/require"
)

func TestRequestFrame(t *testing.T) {
	buff, err := encodeRequest(7, 3, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, uint32(len(buff)-4), binary.BigEndian.Uint32(buff))

	req, err := decodeRequest(buff[4:])
	require.NoError(t, err)
	require.Equal(t, uint64(7), req.correlationID)
	require.Equal(t, 3, req.handlerID)
	require.Equal(t, "payload", string(req.body))
}

func TestErrorResponseKeepsCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		code errors.ErrorCode
		msg  string
	}{
		{name: "cube error", err: errors.NewCubeError(errors.AdmissionDenied, "budget exhausted"),
			code: errors.AdmissionDenied, msg: "budget exhausted"},
		{name: "wrapped cube error", err: errors.WithStack(errors.NewTimeoutErrorf("took %dms", 10)),
			code: errors.Timeout, msg: "took 10ms"},
		{name: "plain error", err: errors.New("boom"), code: errors.InternalError, msg: "boom"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buff := encodeResponse(11, []byte("ignored"), tc.err)
			resp, err := decodeResponse(buff[4:])
			require.NoError(t, err)
			require.Equal(t, uint64(11), resp.correlationID)
			require.Nil(t, resp.body)
			require.True(t, errors.IsCubeErrorWithCode(resp.err, tc.code))
			require.Equal(t, tc.msg, resp.err.Error())
		})
	}
}

func TestOKResponse(t *testing.T) {
	buff := encodeResponse(2, []byte("result"), nil)
	resp, err := decodeResponse(buff[4:])
	require.NoError(t, err)
	require.NoError(t, resp.err)
	require.Equal(t, "result", string(resp.body))
}

func TestDecodeMalformedFrames(t *testing.T) {
	validError := encodeResponse(1, nil, errors.NewCubeError(errors.Timeout, "slow"))[4:]
	badVersion := append([]byte(nil), validError...)
	binary.BigEndian.PutUint16(badVersion, 2)
	badStatus := append([]byte(nil), validError...)
	badStatus[10] = 9

	testCases := []struct {
		name   string
		frame  []byte
		decode func([]byte) error
		err    string
	}{
		{name: "short request", frame: make([]byte, requestHeaderSize-1), decode: requestDecoder,
			err: "request too short: 17 bytes"},
		{name: "request version", frame: badVersion[:requestHeaderSize], decode: requestDecoder,
			err: "invalid transport version 2, only version 1 is supported"},
		{name: "short response", frame: validError[:5], decode: responseDecoder,
			err: "response too short: 5 bytes"},
		{name: "response version", frame: badVersion, decode: responseDecoder,
			err: "invalid transport version 2, only version 1 is supported"},
		{name: "unknown status", frame: badStatus, decode: responseDecoder,
			err: "invalid response status 9"},
		{name: "error header cut", frame: validError[:responseHeaderSize+3], decode: responseDecoder,
			err: "error response too short: 14 bytes"},
		{name: "error message cut", frame: validError[:len(validError)-1], decode: responseDecoder,
			err: "error message truncated: 3 of 4 bytes"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode(tc.frame)
			require.Error(t, err)
			require.Equal(t, tc.err, err.Error())
		})
	}
}

func requestDecoder(frame []byte) error {
	_, err := decodeRequest(frame)
	return err
}

func responseDecoder(frame []byte) error {
	_, err := decodeResponse(frame)
	return err
}
