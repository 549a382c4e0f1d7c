package coordinator

import (
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCoordinator(t *testing.T, r int) *Coordinator {
	c := newTestCoordinator(t, r, 200*time.Millisecond)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func dialCoordinator(t *testing.T, c *Coordinator) (net.Conn, *shared.Conn) {
	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port())))
	require.NoError(t, err)
	conn := shared.NewConn(raw)
	t.Cleanup(func() { conn.Close() })
	return raw, conn
}

func TestMalformedJoinDoesNotRegister(t *testing.T) {
	c := startCoordinator(t, 1)
	raw, conn := dialCoordinator(t, c)

	for _, arg := range []string{"not-a-port", "0", "70000", ":4001"} {
		_, err := fmt.Fprintf(raw, "JOIN %s\n", arg)
		require.NoError(t, err)
	}

	// The session is still a client session, and nothing was registered.
	require.NoError(t, conn.Send(protocol.Store{Filename: "x.txt", Size: 1}))
	cmd, err := conn.ReadCommandTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrorNotEnoughNodes{}, cmd)
	assert.Empty(t, c.Nodes())

	_, node := dialCoordinator(t, c)
	require.NoError(t, node.Send(protocol.Join{Port: "4001"}))
	require.Eventually(t, func() bool {
		nodes := c.Nodes()
		return len(nodes) == 1 && nodes[0] == types.NodeID("127.0.0.1:4001")
	}, time.Second, 10*time.Millisecond)
}
