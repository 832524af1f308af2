package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrConnectionClosed is returned when the peer half-closes or drops the
// connection before the requested number of bytes could be read.
var ErrConnectionClosed = errors.New("wire: connection closed")

// ErrProtocolViolation is wrapped around any frame-level violation of the
// protocol: an unknown type, a frame in the wrong phase, or an oversized
// payload.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// DefaultBufferSize is the initial size of both the send-side coalescing
// buffer and the receive-side buffer. The send buffer grows to fit the
// largest single payload ever requested; the receive buffer grows to fit
// whatever is needed to satisfy a ReadPayload call.
const DefaultBufferSize = 8 * 1024

// Channel wraps an io.ReadWriteCloser (normally a net.Conn) with a
// send-side buffer that coalesces small writes (so the prelude's
// one-frame-per-argument/env-variable traffic doesn't pay a syscall per
// entry) and a receive-side buffer that lets ReadFrame/ReadPayload be
// called independently of how much the underlying socket handed back on
// any one read. Only Read/Write/Close are ever called on conn, so the
// narrower interface lets callers wrap connections that don't implement
// the full net.Conn method set (deadlines, addresses).
type Channel struct {
	conn io.ReadWriteCloser

	sendMu  sync.Mutex
	sendBuf []byte

	recvChunkSize int
	recvBuf       []byte
	recvPos       int
}

// NewChannel wraps conn in a Channel with the default buffer sizes.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:          conn,
		sendBuf:       make([]byte, 0, DefaultBufferSize),
		recvChunkSize: DefaultBufferSize,
		recvBuf:       make([]byte, 0, DefaultBufferSize),
	}
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// WriteFrame appends a frame to the send buffer, auto-flushing first if
// the frame would not fit in the buffer's current capacity. If flush is
// true, the buffer (including this frame) is flushed before returning.
func (c *Channel) WriteFrame(t FrameType, payload []byte, flush bool) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frameLen := HeaderSize + len(payload)

	if len(c.sendBuf) > 0 && len(c.sendBuf)+frameLen > cap(c.sendBuf) {
		if err := c.flushLocked(); err != nil {
			return err
		}
	}
	if frameLen > cap(c.sendBuf) {
		grown := make([]byte, len(c.sendBuf), frameLen)
		copy(grown, c.sendBuf)
		c.sendBuf = grown
	}

	hdr := EncodeHeader(t, uint32(len(payload)))
	c.sendBuf = append(c.sendBuf, hdr[:]...)
	c.sendBuf = append(c.sendBuf, payload...)

	if flush {
		return c.flushLocked()
	}
	return nil
}

// Flush emits any pending buffered bytes, retrying partial writes until
// everything has been sent or the socket fails.
func (c *Channel) Flush() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.flushLocked()
}

func (c *Channel) flushLocked() error {
	buf := c.sendBuf
	offset := 0
	for offset < len(buf) {
		n, err := c.conn.Write(buf[offset:])
		offset += n
		if err != nil {
			c.sendBuf = c.sendBuf[:0]
			return fmt.Errorf("wire: writing to connection: %w", err)
		}
	}
	c.sendBuf = c.sendBuf[:0]
	return nil
}

// ReadFrame returns the next frame's header, leaving the payload unread.
// A subsequent ReadPayload returns exactly that many bytes.
func (c *Channel) ReadFrame() (FrameType, uint32, error) {
	if err := c.fillAtLeast(HeaderSize); err != nil {
		return 0, 0, err
	}
	var hdr [HeaderSize]byte
	copy(hdr[:], c.recvBuf[c.recvPos:c.recvPos+HeaderSize])
	c.recvPos += HeaderSize

	t, length := DecodeHeader(hdr)
	if length > MaxAllowedPayload {
		return t, length, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrProtocolViolation, length, MaxAllowedPayload)
	}
	return t, length, nil
}

// ReadPayload returns exactly length bytes, blocking as needed, or fails
// with ErrConnectionClosed if the peer half-closes first.
func (c *Channel) ReadPayload(length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if err := c.fillAtLeast(int(length)); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	copy(payload, c.recvBuf[c.recvPos:c.recvPos+int(length)])
	c.recvPos += int(length)
	return payload, nil
}

// ReadNextFrame reads a full frame (header and payload) in one call. It is
// the primitive background reader goroutines use to hand decoded frames to
// a session's multiplex loop over a channel.
func (c *Channel) ReadNextFrame() (Frame, error) {
	t, length, err := c.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	payload, err := c.ReadPayload(length)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Payload: payload}, nil
}

// HasBufferedData reports whether the receive buffer already holds at
// least one full header's worth of undecoded bytes, so callers can avoid a
// spurious blocking read.
func (c *Channel) HasBufferedData() bool {
	return len(c.recvBuf)-c.recvPos >= HeaderSize
}

func (c *Channel) compact() {
	if c.recvPos == 0 {
		return
	}
	if c.recvPos == len(c.recvBuf) {
		c.recvBuf = c.recvBuf[:0]
		c.recvPos = 0
		return
	}
	n := copy(c.recvBuf, c.recvBuf[c.recvPos:])
	c.recvBuf = c.recvBuf[:n]
	c.recvPos = 0
}

func (c *Channel) fillAtLeast(n int) error {
	for len(c.recvBuf)-c.recvPos < n {
		c.compact()

		readSize := c.recvChunkSize
		if need := n - len(c.recvBuf); need > readSize {
			readSize = need
		}

		start := len(c.recvBuf)
		if cap(c.recvBuf) < start+readSize {
			grown := make([]byte, start, start+readSize)
			copy(grown, c.recvBuf)
			c.recvBuf = grown
		}
		c.recvBuf = c.recvBuf[:start+readSize]

		read, err := c.conn.Read(c.recvBuf[start : start+readSize])
		c.recvBuf = c.recvBuf[:start+read]

		if read == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("wire: reading from connection: %w", err)
		}
	}
	return nil
}
