package sockserver

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/testutils"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	common.EnableTestPorts()
	goleak.VerifyTestMain(m)
}

// recorder keeps the frames received on each connection. Frames "fail" and "panic" make the handler misbehave.
type recorder struct {
	lock   sync.Mutex
	frames map[int][]string
}

func newRecorder() *recorder {
	return &recorder{frames: map[int][]string{}}
}

func (r *recorder) newHandler(id int, _ net.Conn) FrameHandler {
	return func(frame []byte) error {
		switch string(frame) {
		case "fail":
			return errors.New("refusing frame")
		case "panic":
			panic("handler panicked")
		}
		r.lock.Lock()
		defer r.lock.Unlock()
		r.frames[id] = append(r.frames[id], string(frame))
		return nil
	}
}

func (r *recorder) total() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	tot := 0
	for _, frames := range r.frames {
		tot += len(frames)
	}
	return tot
}

func (r *recorder) snapshot() map[int][]string {
	r.lock.Lock()
	defer r.lock.Unlock()
	m := make(map[int][]string, len(r.frames))
	for id, frames := range r.frames {
		m[id] = append([]string(nil), frames...)
	}
	return m
}

func startServer(t *testing.T, rec *recorder) *SocketServer {
	address, err := common.ReserveAddress("localhost")
	require.NoError(t, err)
	server := NewSocketServer(t.Name(), address, rec.newHandler)
	require.NoError(t, server.Start())
	require.Equal(t, address, server.Address())
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})
	return server
}

func dial(t *testing.T, address string) net.Conn {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.Dial("tcp", address)
	require.NoError(t, err)
	t.Cleanup(func() {
		// usually closed by the server already
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, body string) {
	msg := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	msg = append(msg, body...)
	_, err := conn.Write(msg)
	require.NoError(t, err)
}

func requireClosedByServer(t *testing.T, conn net.Conn) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection was not closed by the server")
	}
}

func TestFramesRoutedPerConnection(t *testing.T) {
	rec := newRecorder()
	server := startServer(t, rec)

	numConns := 5
	numFrames := 20
	for i := 0; i < numConns; i++ {
		conn := dial(t, server.Address())
		for j := 0; j < numFrames; j++ {
			writeFrame(t, conn, fmt.Sprintf("conn-%d-frame-%d", i, j))
		}
	}
	testutils.WaitForValue(t, numConns*numFrames, rec.total)
	require.Equal(t, numConns, server.NumConnections())

	received := rec.snapshot()
	require.Equal(t, numConns, len(received))
	for _, frames := range received {
		require.Equal(t, numFrames, len(frames))
		var connIndex int
		_, err := fmt.Sscanf(frames[0], "conn-%d-frame-0", &connIndex)
		require.NoError(t, err)
		for j, frame := range frames {
			require.Equal(t, fmt.Sprintf("conn-%d-frame-%d", connIndex, j), frame)
		}
	}
}

func TestHandlerErrorClosesConnection(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{name: "error", frame: "fail"},
		{name: "panic", frame: "panic"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newRecorder()
			server := startServer(t, rec)
			healthy := dial(t, server.Address())
			broken := dial(t, server.Address())
			testutils.WaitForValue(t, 2, server.NumConnections)

			writeFrame(t, broken, tc.frame)
			requireClosedByServer(t, broken)
			testutils.WaitForValue(t, 1, server.NumConnections)

			// other connections are unaffected
			writeFrame(t, healthy, "still here")
			testutils.WaitForValue(t, 1, rec.total)
		})
	}
}

func TestStopClosesConnections(t *testing.T) {
	rec := newRecorder()
	address, err := common.ReserveAddress("localhost")
	require.NoError(t, err)
	server := NewSocketServer(t.Name(), address, rec.newHandler)
	require.NoError(t, server.Start())

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, server.Address()))
	}
	testutils.WaitForValue(t, 3, server.NumConnections)

	require.NoError(t, server.Stop())
	require.Equal(t, 0, server.NumConnections())
	for _, conn := range conns {
		requireClosedByServer(t, conn)
	}
	require.NoError(t, server.Stop())
}

func TestConnectionIDsAreUnique(t *testing.T) {
	var lock sync.Mutex
	ids := map[int]struct{}{}
	address, err := common.ReserveAddress("localhost")
	require.NoError(t, err)
	server := NewSocketServer(t.Name(), address, func(id int, _ net.Conn) FrameHandler {
		lock.Lock()
		ids[id] = struct{}{}
		lock.Unlock()
		return func([]byte) error { return nil }
	})
	require.NoError(t, server.Start())
	defer func() {
		require.NoError(t, server.Stop())
	}()

	for i := 0; i < 10; i++ {
		conn := dial(t, server.Address())
		require.NoError(t, conn.Close())
	}
	testutils.WaitForValue(t, 10, func() int {
		lock.Lock()
		defer lock.Unlock()
		return len(ids)
	})
	testutils.WaitForValue(t, 0, server.NumConnections)
}
