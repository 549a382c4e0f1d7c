package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"replistore/pkg/config"
	"replistore/pkg/coordinator"
	"replistore/pkg/node"
	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// cluster runs a real controller and storage nodes on loopback.
type cluster struct {
	t      *testing.T
	logger *zap.Logger
	c      *coordinator.Coordinator
	nodes  []*node.Node
}

func newCluster(t *testing.T, r, nodes int) *cluster {
	logger := zaptest.NewLogger(t)

	cfg := config.Default().Controller
	cfg.Port = 0
	cfg.ReplicationFactor = r
	cfg.TimeoutMS = 500
	cfg.RebalancePeriodS = 3600

	c := coordinator.New(cfg, logger.Named("controller"))
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	cl := &cluster{t: t, logger: logger, c: c}
	for i := 0; i < nodes; i++ {
		cl.addNode()
	}
	return cl
}

func (cl *cluster) controllerAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(cl.c.Port()))
}

func (cl *cluster) addNode() *node.Node {
	cl.t.Helper()

	cfg := config.Default().Node
	cfg.Port = 0
	cfg.ControllerAddress = cl.controllerAddress()
	cfg.DataDir = cl.t.TempDir()
	cfg.TimeoutMS = 500

	before := len(cl.c.Nodes())

	n, err := node.New(cfg, cl.logger.Named("node"))
	require.NoError(cl.t, err)
	require.NoError(cl.t, n.Start())
	cl.t.Cleanup(n.Stop)

	cl.nodes = append(cl.nodes, n)
	cl.waitForNodes(before + 1)
	return n
}

func (cl *cluster) waitForNodes(count int) {
	cl.t.Helper()
	require.Eventually(cl.t, func() bool {
		return len(cl.c.Nodes()) == count
	}, 2*time.Second, 10*time.Millisecond)
}

func (cl *cluster) client() *Client {
	c := New(config.ClientConfig{
		ControllerAddress: cl.controllerAddress(),
		TimeoutMS:         2000,
	}, cl.logger.Named("client"))
	cl.t.Cleanup(func() { c.Close() })
	return c
}

// holders returns the nodes whose data directory contains filename.
func (cl *cluster) holders(filename string) []*node.Node {
	var holders []*node.Node
	for _, n := range cl.nodes {
		files, err := n.Store().List()
		require.NoError(cl.t, err)
		for _, f := range files {
			if f == filename {
				holders = append(holders, n)
			}
		}
	}
	return holders
}

func store(t *testing.T, c *Client, filename string, data []byte) error {
	t.Helper()
	return c.Store(context.Background(), filename, bytes.NewReader(data), int64(len(data)))
}

// muteNode joins the controller and accepts uploads but never acknowledges
// them to the controller.
func muteNode(t *testing.T, controller string) func() {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	control, err := shared.Dial(context.Background(), controller)
	require.NoError(t, err)
	port := strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, control.Send(protocol.Join{Port: port}))

	go func() {
		for {
			raw, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				conn := shared.NewConn(raw)
				defer conn.Close()

				cmd, err := conn.ReadCommand()
				if err != nil {
					return
				}
				if s, ok := cmd.(protocol.Store); ok {
					conn.Send(protocol.Ack{})
					var sink bytes.Buffer
					conn.ReceiveN(&sink, s.Size, time.Second, nil)
				}
			}()
		}
	}()

	stop := func() {
		listener.Close()
		control.Close()
	}
	t.Cleanup(stop)
	return stop
}

// Scenario A: two of three nodes receive the file and it becomes visible.
func TestStoreReachesQuorum(t *testing.T) {
	cl := newCluster(t, 2, 3)
	c := cl.client()

	data := bytes.Repeat([]byte{'x'}, 100)
	require.NoError(t, store(t, c, "x.txt", data))

	files, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt"}, files)
	assert.Len(t, cl.holders("x.txt"), 2)

	rec, ok := cl.c.Record("x.txt")
	require.True(t, ok)
	assert.Equal(t, types.StoreComplete, rec.State)
	assert.Equal(t, int64(100), rec.Size)
}

// Scenario B: a fourth node joins and rebalance keeps exactly R replicas.
func TestRebalanceAfterNodeJoins(t *testing.T) {
	cl := newCluster(t, 2, 3)
	c := cl.client()

	data := []byte("replicated contents")
	require.NoError(t, store(t, c, "x.txt", data))

	cl.addNode()

	report, err := cl.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.True(t, report.Completed)
	assert.Len(t, report.Responded, 4)

	require.Eventually(t, func() bool {
		return len(cl.holders("x.txt")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		var got bytes.Buffer
		_, err := c.Load(context.Background(), "x.txt", &got)
		require.NoError(t, err)
		assert.Equal(t, data, got.Bytes())
	}
}

// Scenario C: a missing acknowledgement rolls the store back.
func TestStoreTimeoutAllowsRetry(t *testing.T) {
	cl := newCluster(t, 2, 1)
	stop := muteNode(t, cl.controllerAddress())
	cl.waitForNodes(2)

	c := cl.client()
	err := store(t, c, "x.txt", []byte("data"))
	require.ErrorIs(t, err, types.ErrTimeout)

	_, ok := cl.c.Record("x.txt")
	assert.False(t, ok)

	stop()
	cl.waitForNodes(1)
	cl.addNode()

	require.NoError(t, store(t, c, "x.txt", []byte("data")))
	files, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt"}, files)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	cl := newCluster(t, 3, 4)
	c := cl.client()

	data := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	require.NoError(t, store(t, c, "dir/blob.bin", data))

	var got bytes.Buffer
	n, err := c.Load(context.Background(), "dir/blob.bin", &got)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, got.Bytes())

	err = store(t, c, "dir/blob.bin", data)
	assert.ErrorIs(t, err, types.ErrFileAlreadyExists)

	_, err = c.Load(context.Background(), "missing.bin", &got)
	assert.ErrorIs(t, err, types.ErrFileNotFound)
}

func TestStoreFileAndLoadFile(t *testing.T) {
	cl := newCluster(t, 1, 1)
	c := cl.client()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("from disk"), 0644))

	require.NoError(t, c.StoreFile(context.Background(), src, "disk.txt"))

	dst := filepath.Join(dir, "out.txt")
	n, err := c.LoadFile(context.Background(), "disk.txt", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "from disk", string(got))

	_, err = c.LoadFile(context.Background(), "absent.txt", filepath.Join(dir, "absent.txt"))
	assert.ErrorIs(t, err, types.ErrFileNotFound)
	_, err = os.Stat(filepath.Join(dir, "absent.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadFallsBackToAnotherNode(t *testing.T) {
	cl := newCluster(t, 2, 2)
	c := cl.client()

	data := []byte("survives one bad replica")
	require.NoError(t, store(t, c, "x.txt", data))

	// One replica disappears behind the controller's back.
	holders := cl.holders("x.txt")
	require.Len(t, holders, 2)
	require.NoError(t, holders[0].Store().Delete("x.txt"))

	// Selection rotates, so one of these loads starts at the broken node.
	for i := 0; i < 2; i++ {
		var got bytes.Buffer
		_, err := c.Load(context.Background(), "x.txt", &got)
		require.NoError(t, err)
		assert.Equal(t, data, got.Bytes())
	}

	require.NoError(t, holders[1].Store().Delete("x.txt"))
	var got bytes.Buffer
	_, err := c.Load(context.Background(), "x.txt", &got)
	assert.ErrorIs(t, err, types.ErrLoadFailed)
}

func TestLoadDiscardsPartialDownload(t *testing.T) {
	cl := newCluster(t, 2, 2)
	c := cl.client()

	data := []byte("the complete replica contents")
	require.NoError(t, store(t, c, "x.txt", data))

	// One replica is cut short, so its node stops partway through.
	holders := cl.holders("x.txt")
	require.Len(t, holders, 2)
	require.NoError(t, os.WriteFile(filepath.Join(holders[0].Store().Root(), "x.txt"), data[:7], 0644))

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		var got bytes.Buffer
		n, err := c.Load(context.Background(), "x.txt", &got)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		assert.Equal(t, data, got.Bytes())

		dst := filepath.Join(dir, "out.txt")
		n, err = c.LoadFile(context.Background(), "x.txt", dst)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		onDisk, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, data, onDisk)
	}
}

func TestLoadFileKeepsExistingFileOnFailure(t *testing.T) {
	cl := newCluster(t, 1, 1)
	c := cl.client()

	dir := t.TempDir()
	dst := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(dst, []byte("previous"), 0644))

	_, err := c.LoadFile(context.Background(), "absent.txt", dst)
	assert.ErrorIs(t, err, types.ErrFileNotFound)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestRemoveThenStoreAgain(t *testing.T) {
	cl := newCluster(t, 2, 3)
	c := cl.client()

	require.NoError(t, store(t, c, "x.txt", []byte("first")))
	require.NoError(t, c.Remove(context.Background(), "x.txt"))

	assert.Empty(t, cl.holders("x.txt"))
	files, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)

	err = c.Remove(context.Background(), "x.txt")
	assert.ErrorIs(t, err, types.ErrFileNotFound)

	require.NoError(t, store(t, c, "x.txt", []byte("second")))

	var got bytes.Buffer
	_, err = c.Load(context.Background(), "x.txt", &got)
	require.NoError(t, err)
	assert.Equal(t, "second", got.String())
}

func TestNotEnoughNodes(t *testing.T) {
	cl := newCluster(t, 3, 2)
	c := cl.client()

	err := store(t, c, "x.txt", []byte("data"))
	assert.ErrorIs(t, err, types.ErrNotEnoughNodes)

	_, err = c.List(context.Background())
	assert.ErrorIs(t, err, types.ErrNotEnoughNodes)

	// The session stays usable after error replies.
	cl.addNode()
	require.NoError(t, store(t, c, "x.txt", []byte("data")))
}

func TestStoreRejectsBadFilename(t *testing.T) {
	c := New(config.Default().Client, zap.NewNop())
	err := c.Store(context.Background(), "has space", bytes.NewReader(nil), 0)
	assert.Error(t, err)
}

func TestControllerUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	listener.Close()

	c := New(config.ClientConfig{ControllerAddress: address, TimeoutMS: 100}, zap.NewNop())
	_, err = c.List(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrNotEnoughNodes))
}
