package shared

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"replistore/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	client, err := Dial(context.Background(), listener.Addr().String())
	require.NoError(t, err)

	raw, ok := <-accepted
	require.True(t, ok)
	server := NewConn(raw)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestConnCommands(t *testing.T) {
	client, server := connPair(t)

	require.NoError(t, client.Send(protocol.Store{Filename: "a.txt", Size: 3}))
	require.NoError(t, client.Send(protocol.List{}))

	cmd, err := server.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, protocol.Store{Filename: "a.txt", Size: 3}, cmd)

	cmd, err = server.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, protocol.List{}, cmd)
}

func TestConnMalformedKeepsStream(t *testing.T) {
	client, server := connPair(t)

	_, err := client.conn.Write([]byte("BOGUS 1 2\nACK\n"))
	require.NoError(t, err)

	_, err = server.ReadCommand()
	assert.True(t, errors.Is(err, protocol.ErrMalformed))

	cmd, err := server.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, protocol.Ack{}, cmd)
}

func TestConnPayloadAfterControl(t *testing.T) {
	client, server := connPair(t)
	payload := strings.Repeat("x", 100000)

	go func() {
		client.Send(protocol.Store{Filename: "big", Size: int64(len(payload))})
		client.SendFrom(strings.NewReader(payload), time.Second, nil)
		client.Send(protocol.Ack{})
	}()

	cmd, err := server.ReadCommand()
	require.NoError(t, err)
	store := cmd.(protocol.Store)

	var buf bytes.Buffer
	n, err := server.ReceiveN(&buf, store.Size, time.Second, make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.String())

	cmd, err = server.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, protocol.Ack{}, cmd)
}

func TestReceiveNTruncated(t *testing.T) {
	client, server := connPair(t)

	_, err := client.conn.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())

	var buf bytes.Buffer
	_, err = server.ReceiveN(&buf, 10, time.Second, nil)
	assert.Error(t, err)
}

func TestReceiveNIdleTimeout(t *testing.T) {
	client, server := connPair(t)

	_, err := client.conn.Write([]byte("abc"))
	require.NoError(t, err)

	var buf bytes.Buffer
	start := time.Now()
	_, err = server.ReceiveN(&buf, 10, 100*time.Millisecond, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The deadline is cleared, so control traffic works again.
	require.NoError(t, client.Send(protocol.Ack{}))
	cmd, err := server.ReadCommandTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ack{}, cmd)
}

func TestReadCommandTimeout(t *testing.T) {
	_, server := connPair(t)

	_, err := server.ReadCommandTimeout(50 * time.Millisecond)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestHealthServer(t *testing.T) {
	h := NewHealthServer(zaptest.NewLogger(t))
	require.NoError(t, h.Start("127.0.0.1:0"))
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.SetServing("", false)
	status, err := CheckHealth(ctx, h.Addr(), "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status)

	h.SetServing("", true)
	status, err = CheckHealth(ctx, h.Addr(), "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status)
}

func TestNilHealthServer(t *testing.T) {
	var h *HealthServer
	assert.NotPanics(t, func() {
		h.SetServing("", true)
		h.Stop()
	})
	assert.Empty(t, h.Addr())
}

func TestControllerAddress(t *testing.T) {
	addr, ok := controllerAddress("10.0.0.5", "replistore-controller 4000")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:4000", addr)

	_, ok = controllerAddress("10.0.0.6", "replistore-node")
	assert.False(t, ok)

	_, ok = controllerAddress("10.0.0.7", "replistore-controller ")
	assert.False(t, ok)
}
