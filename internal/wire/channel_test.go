package wire

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPipe builds a connected pair of loopback TCP connections rather
// than using net.Pipe, since net.Pipe's synchronous, unbuffered semantics
// would mask the buffering behavior under test.
func loopbackPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		conn, err := ln.Accept()
		if err == nil {
			server = conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted
	require.NotNil(t, server)

	t.Cleanup(func() { client.Close() })
	t.Cleanup(func() { server.Close() })

	return client, server
}

func TestChannelEncodeDecodeRoundTrip(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	clientCh := NewChannel(clientConn)
	serverCh := NewChannel(serverConn)

	require.NoError(t, clientCh.WriteFrame(FrameCommandArgument, []byte("hello"), true))

	typ, length, err := serverCh.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameCommandArgument, typ)
	assert.EqualValues(t, 5, length)

	payload, err := serverCh.ReadPayload(length)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestChannelCoalescesUnflushedWrites(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	clientCh := NewChannel(clientConn)
	serverCh := NewChannel(serverConn)

	for i := 0; i < 5; i++ {
		require.NoError(t, clientCh.WriteFrame(FrameCommandArgument, []byte("arg"), false))
	}
	require.NoError(t, clientCh.WriteFrame(FrameStartCommand, []byte("cmd"), true))

	for i := 0; i < 5; i++ {
		frame, err := serverCh.ReadNextFrame()
		require.NoError(t, err)
		assert.Equal(t, FrameCommandArgument, frame.Type)
		assert.Equal(t, "arg", string(frame.Payload))
	}
	frame, err := serverCh.ReadNextFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameStartCommand, frame.Type)
	assert.Equal(t, "cmd", string(frame.Payload))
}

func TestChannelGrowsSendBufferForLargePayload(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	clientCh := NewChannel(clientConn)
	serverCh := NewChannel(serverConn)

	big := bytes.Repeat([]byte{0x42}, 128*1024)
	require.NoError(t, clientCh.WriteFrame(FrameStdoutData, big, true))

	frame, err := serverCh.ReadNextFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameStdoutData, frame.Type)
	assert.True(t, bytes.Equal(big, frame.Payload))
}

func TestChannelZeroLengthPayload(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	clientCh := NewChannel(clientConn)
	serverCh := NewChannel(serverConn)

	require.NoError(t, clientCh.WriteFrame(FrameStdinData, nil, true))

	typ, length, err := serverCh.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameStdinData, typ)
	assert.EqualValues(t, 0, length)

	payload, err := serverCh.ReadPayload(length)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestChannelReadPayloadFailsOnEarlyClose(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	serverCh := NewChannel(serverConn)

	// Write a header claiming 100 bytes, then close before sending the payload.
	hdr := EncodeHeader(FrameStdoutData, 100)
	_, err := clientConn.Write(hdr[:])
	require.NoError(t, err)
	require.NoError(t, clientConn.Close())

	typ, length, err := serverCh.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameStdoutData, typ)
	assert.EqualValues(t, 100, length)

	_, err = serverCh.ReadPayload(length)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestChannelHasBufferedData(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	clientCh := NewChannel(clientConn)
	serverCh := NewChannel(serverConn)

	require.NoError(t, clientCh.WriteFrame(FrameCommandArgument, []byte("a"), true))
	require.NoError(t, clientCh.WriteFrame(FrameCommandArgument, []byte("b"), true))

	// Give the bytes time to arrive, then pull one frame; the second
	// should already be sitting in the receive buffer.
	time.Sleep(100 * time.Millisecond)
	_, length, err := serverCh.ReadFrame()
	require.NoError(t, err)
	_, err = serverCh.ReadPayload(length)
	require.NoError(t, err)
	assert.True(t, serverCh.HasBufferedData(), "expected second frame to already be buffered")
}

func TestChannelConcurrentWritesDoNotInterleave(t *testing.T) {
	clientConn, serverConn := loopbackPipe(t)
	clientCh := NewChannel(clientConn)
	serverCh := NewChannel(serverConn)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = clientCh.WriteFrame(FrameStdoutData, []byte("out"), true)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = clientCh.WriteFrame(FrameStderrData, []byte("err"), true)
		}
	}()
	wg.Wait()

	counts := map[FrameType]int{}
	for i := 0; i < 2*n; i++ {
		frame, err := serverCh.ReadNextFrame()
		require.NoError(t, err)
		switch frame.Type {
		case FrameStdoutData:
			assert.Equal(t, "out", string(frame.Payload))
		case FrameStderrData:
			assert.Equal(t, "err", string(frame.Payload))
		default:
			t.Fatalf("unexpected frame type %v", frame.Type)
		}
		counts[frame.Type]++
	}
	assert.Equal(t, n, counts[FrameStdoutData])
	assert.Equal(t, n, counts[FrameStderrData])
}

var _ io.Closer = (*Channel)(nil)
