package pomelo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/pomelo/protocol"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			clientCh <- nil
			return
		}
		clientCh <- conn
	}()

	serverConn, err := listener.Accept()
	require.NoError(t, err)

	clientConn := <-clientCh
	require.NotNil(t, clientConn)

	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	return serverConn, clientConn
}

func testOptions(t *testing.T, opt ...Option) *options {
	t.Helper()
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	require.NoError(t, checkOptions(&opts))
	return &opts
}

func TestConn_ReadAndWrite(t *testing.T) {
	server, client := createTestTCPPair(t)

	received := make(chan []byte, 4)
	handler := func(typ protocol.PackageType, body []byte) error {
		if typ == protocol.Data {
			received <- body
		}
		return nil
	}

	c := newConn(client, handler, testOptions(t), defaultLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	// server -> client, split across writes
	data, err := protocol.Encode(protocol.Data, []byte("hello"))
	require.NoError(t, err)
	_, err = server.Write(data[:3])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = server.Write(data[3:])
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Equal(t, []byte("hello"), body)
	case <-time.After(2 * time.Second):
		t.Fatal("package not received")
	}

	// client -> server
	written := make(chan error, 1)
	require.NoError(t, c.send(protocol.Heartbeat, nil, func(err error) { written <- err }))
	require.NoError(t, <-written)

	buf := make([]byte, protocol.HeadLength)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(protocol.Heartbeat), 0, 0, 0}, buf)

	c.close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestConn_PeerCloseEndsRun(t *testing.T) {
	server, client := createTestTCPPair(t)

	c := newConn(client, func(protocol.PackageType, []byte) error { return nil }, testOptions(t), defaultLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	server.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, ErrConnectionClosed, c.send(protocol.Heartbeat, nil, nil))
}

func TestConn_ParserErrorEndsRun(t *testing.T) {
	server, client := createTestTCPPair(t)

	c := newConn(client, func(protocol.PackageType, []byte) error { return nil }, testOptions(t, MessageMaxSize(8)), defaultLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	_, err := server.Write([]byte{byte(protocol.Data), 0, 0, 9})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, protocol.ErrPackageTooLarge))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestConn_BufferFull(t *testing.T) {
	_, client := createTestTCPPair(t)

	opts := testOptions(t, BufferSizeOption(1), WriteTimeoutOption(20*time.Millisecond))
	c := newConn(client, nil, opts, defaultLogger(), nil)

	require.NoError(t, c.send(protocol.Heartbeat, nil, nil))
	assert.Equal(t, ErrBufferFull, c.send(protocol.Heartbeat, nil, nil))
}

func TestConn_DrainFailsQueued(t *testing.T) {
	_, client := createTestTCPPair(t)

	c := newConn(client, nil, testOptions(t, BufferSizeOption(4)), defaultLogger(), nil)

	var results []error
	for i := 0; i < 3; i++ {
		require.NoError(t, c.send(protocol.Heartbeat, nil, func(err error) {
			results = append(results, err)
		}))
	}

	c.close()
	c.close()
	c.drain()

	require.Len(t, results, 3)
	for _, err := range results {
		assert.Equal(t, ErrConnectionClosed, err)
	}
	assert.Equal(t, ErrConnectionClosed, c.send(protocol.Heartbeat, nil, nil))
}

func TestConn_SendRejectsOversized(t *testing.T) {
	_, client := createTestTCPPair(t)
	c := newConn(client, nil, testOptions(t), defaultLogger(), nil)

	err := c.send(protocol.Data, make([]byte, protocol.MaxBodyLength+1), nil)
	assert.True(t, errors.Is(err, protocol.ErrPackageTooLarge))
}
