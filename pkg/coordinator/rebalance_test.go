package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"replistore/pkg/protocol"
	"replistore/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertBalanced(t *testing.T, fc *fakeCluster, files []string, r int) {
	t.Helper()

	counts := make(map[types.NodeID]int)
	for _, id := range fc.c.Nodes() {
		counts[id] = len(fc.node(id).list())
	}
	for _, f := range files {
		assert.Len(t, fc.holders(f), r, f)
	}

	min, max := -1, 0
	for _, n := range counts {
		if min < 0 || n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	assert.LessOrEqual(t, max-min, 1, "per-node counts %v", counts)
}

func TestRebalanceAfterJoin(t *testing.T) {
	fc := newFakeCluster(t, 2, 3)
	_, err := fc.store("x.txt", 100, nil)
	require.NoError(t, err)

	fc.join("127.0.0.1:5004")

	report, err := fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.True(t, report.Completed)
	assert.Len(t, report.Responded, 4)

	assert.Len(t, fc.holders("x.txt"), 2)

	files, err := fc.c.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt"}, files)

	// The committed view matches what nodes actually hold.
	for _, id := range fc.c.Nodes() {
		assert.Equal(t, fc.node(id).list(), nonNil(fc.c.BelievedFiles(id)), string(id))
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func TestRebalanceEvensOutLoad(t *testing.T) {
	fc := newFakeCluster(t, 3, 3)

	var files []string
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("f%02d", i)
		files = append(files, name)
		_, err := fc.store(name, int64(i), nil)
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		fc.join(types.NodeID(fmt.Sprintf("127.0.0.1:%d", 6000+i)))
	}

	report, err := fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, 10, report.Files)
	assert.Positive(t, report.Transfers)

	assertBalanced(t, fc, files, 3)

	// A second pass over a balanced cluster moves nothing.
	report, err = fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Transfers)
	assert.Zero(t, report.Deletions)
	assertBalanced(t, fc, files, 3)
}

func TestRebalanceReconcilesIndex(t *testing.T) {
	fc := newFakeCluster(t, 2, 3)

	_, err := fc.store("kept.txt", 1, nil)
	require.NoError(t, err)
	_, err = fc.store("lost.txt", 1, nil)
	require.NoError(t, err)
	targets, err := fc.store("removing.txt", 1, nil)
	require.NoError(t, err)

	// removing.txt is stuck half-removed.
	fc.node(targets[1]).setSilent(true)
	require.ErrorIs(t, fc.c.Remove(context.Background(), "removing.txt"), types.ErrTimeout)
	fc.node(targets[1]).setSilent(false)

	// lost.txt vanished from every node; orphan.txt was never indexed.
	for _, id := range fc.holders("lost.txt") {
		fc.node(id).drop("lost.txt")
	}
	fc.node("127.0.0.1:5001").put("orphan.txt")

	report, err := fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, 2, report.Discarded)

	_, ok := fc.c.Record("lost.txt")
	assert.False(t, ok)
	_, ok = fc.c.Record("removing.txt")
	assert.False(t, ok)

	assert.Empty(t, fc.holders("removing.txt"))
	assert.Empty(t, fc.holders("orphan.txt"))
	assert.Len(t, fc.holders("kept.txt"), 2)

	files, err := fc.c.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"kept.txt"}, files)
}

func TestRebalanceSkipsSilentNodes(t *testing.T) {
	fc := newFakeCluster(t, 2, 3)
	_, err := fc.store("x.txt", 1, nil)
	require.NoError(t, err)

	silent := fc.node("127.0.0.1:5003")
	silent.setSilent(true)

	report, err := fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 3, report.Registered)
	assert.Equal(t, []types.NodeID{"127.0.0.1:5001", "127.0.0.1:5002"}, report.Responded)

	// The silent node got the list request but no plan.
	silent.mu.Lock()
	defer silent.mu.Unlock()
	require.Len(t, silent.sent, 1)
	assert.Equal(t, protocol.TokenList, silent.sent[0].Token())
}

func TestRebalanceSkippedWithoutEnoughResponders(t *testing.T) {
	fc := newFakeCluster(t, 2, 2)
	fc.node("127.0.0.1:5002").setSilent(true)

	report, err := fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(fc.c.Metrics().RebalancePasses.WithLabelValues("skipped")))

	lonely := newFakeCluster(t, 2, 1)
	report, err = lonely.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestRebalanceUnconfirmedStillCommits(t *testing.T) {
	fc := newFakeCluster(t, 1, 2)
	_, err := fc.store("a", 1, nil)
	require.NoError(t, err)
	_, err = fc.store("b", 1, nil)
	require.NoError(t, err)

	// A node that lists but never confirms its plan.
	stubborn := &stubbornNode{fakeNode: fc.node("127.0.0.1:5002")}
	fc.c.RegisterNode(stubborn.id, stubborn)

	report, err := fc.c.Rebalance(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Completed)
	assert.Equal(t, 1.0, testutil.ToFloat64(fc.c.Metrics().RebalancePasses.WithLabelValues("partial")))

	files, err := fc.c.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, files)
}

type stubbornNode struct {
	*fakeNode
}

func (n *stubbornNode) Send(cmd protocol.Command) error {
	if _, ok := cmd.(protocol.Rebalance); ok {
		return nil
	}
	return n.fakeNode.Send(cmd)
}

func TestRebalanceExcludesClientMutations(t *testing.T) {
	fc := newFakeCluster(t, 2, 3)

	// Hold the pass open by keeping one node from confirming for a while.
	slow := fc.node("127.0.0.1:5003")
	slow.setSilent(true)
	go func() {
		time.Sleep(50 * time.Millisecond)
		fc.c.ListReport(slow.id, nil)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fc.c.Rebalance(context.Background())
	}()

	require.Eventually(t, func() bool {
		active, _ := fc.c.gate.state()
		return active
	}, time.Second, time.Millisecond)

	var (
		sawActive  bool
		generation uint64
	)
	stored := make(chan error, 1)
	go func() {
		stored <- fc.c.Store(context.Background(), "x.txt", 1, func(nodes []types.NodeID) error {
			sawActive, generation = fc.c.gate.state()
			for _, id := range nodes {
				go fc.c.StoreAck(id, "x.txt")
			}
			return nil
		})
	}()

	<-done
	require.NoError(t, <-stored)
	assert.False(t, sawActive, "store admitted during a rebalance pass")
	assert.Equal(t, uint64(1), generation)
}

func TestLateListReportIgnored(t *testing.T) {
	fc := newFakeCluster(t, 1, 1)
	fc.c.ListReport("127.0.0.1:5001", []string{"a"})
	fc.c.RebalanceComplete("127.0.0.1:5001")
	assert.Equal(t, 1.0, testutil.ToFloat64(fc.c.Metrics().LateAcks.WithLabelValues("list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(fc.c.Metrics().LateAcks.WithLabelValues("rebalance")))
}
