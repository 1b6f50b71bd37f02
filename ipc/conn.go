package ipc

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cube-js/cube-sub010/errors"
)

const (
	readBuffSize = 8 * 1024
	// MaxFrameSize bounds a single frame so a corrupt length prefix from a dying peer can't make us allocate
	// gigabytes.
	MaxFrameSize = 256 * 1024 * 1024
)

/*
Conn is one end of a duplex channel between two processes (or two goroutines in tests). Frames are length prefixed
with a big-endian 32 bit integer. Writes are serialized so any number of goroutines can share one Conn; reads are done
by a single loop in ReadFrames.
*/
type Conn struct {
	r         io.ReadCloser
	w         io.WriteCloser
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
	maxFrame  int
}

func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	return &Conn{r: r, w: w, maxFrame: MaxFrameSize}
}

// Pipe returns two connected in-process ends.
func Pipe() (*Conn, *Conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return NewConn(r1, w2), NewConn(r2, w1)
}

// OSPipe creates a Conn backed by two OS pipes. The returned files are the peer's ends; they are meant to be handed
// to a child process (e.g. via exec.Cmd.ExtraFiles) and closed in the parent once the child has started.
func OSPipe() (conn *Conn, peerReader *os.File, peerWriter *os.File, err error) {
	localR, peerW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	peerR, localW, err := os.Pipe()
	if err != nil {
		closeAll(localR, peerW)
		return nil, nil, nil, errors.WithStack(err)
	}
	return NewConn(localR, localW), peerR, peerW, nil
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// WriteFrame writes payload as a single frame. Payloads over MaxFrameSize are rejected without writing anything.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > c.maxFrame {
		return errors.Errorf("frame size %d exceeds maximum %d", len(payload), c.maxFrame)
	}
	buff := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buff, uint32(len(payload)))
	copy(buff[4:], payload)
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_, err := c.w.Write(buff)
	return err
}

// ReadFrames blocks reading frames and calls handler for each one until the peer closes the channel, the Conn is
// closed, or handler returns an error. A clean EOF returns nil.
func (c *Conn) ReadFrames(handler func([]byte) error) error {
	return ReadFrames(c.r, handler)
}

// Close closes both directions. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		werr := c.w.Close()
		rerr := c.r.Close()
		if werr != nil {
			c.closeErr = werr
		} else {
			c.closeErr = rerr
		}
	})
	return c.closeErr
}

// CloseWrite closes only the outgoing direction, the peer will see EOF.
func (c *Conn) CloseWrite() error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.w.Close()
}

// ReadFrames reads frames that are length prefixed with a big-endian 32 bit integer from r and calls handler with
// each frame body. The buffer passed to handler is reused, handlers must copy anything they keep.
func ReadFrames(r io.Reader, handler func([]byte) error) error {
	buff := make([]byte, readBuffSize)
	var err error
	var readPos, n int
	for {
		// read the frame size
		bytesRequired := 4 - readPos
		if bytesRequired > 0 {
			n, err = io.ReadAtLeast(r, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		frameSize := int(binary.BigEndian.Uint32(buff))
		if frameSize > MaxFrameSize {
			return errors.Errorf("frame size %d exceeds maximum %d", frameSize, MaxFrameSize)
		}
		totSize := 4 + frameSize
		bytesRequired = totSize - readPos
		if bytesRequired > 0 {
			if totSize > len(buff) {
				nb := make([]byte, totSize)
				copy(nb, buff[:readPos])
				buff = nb
			}
			n, err = io.ReadAtLeast(r, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		if err := handler(buff[4:totSize]); err != nil {
			return err
		}
		remainingBytes := readPos - totSize
		if remainingBytes > 0 {
			// Bytes for following frame(s) have already been read, keep them
			if remainingBytes < totSize {
				copy(buff, buff[totSize:readPos])
			} else {
				nb := make([]byte, len(buff))
				copy(nb, buff[totSize:readPos])
				buff = nb
			}
		}
		readPos = remainingBytes
	}
	if err == io.EOF {
		if readPos != 0 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}
	return err
}
