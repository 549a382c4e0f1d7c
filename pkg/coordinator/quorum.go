package coordinator

import (
	"context"
	"sync"
	"time"

	"replistore/pkg/types"
)

// quorum collects acknowledgements from a fixed set of nodes. done closes
// once every required node has acknowledged.
type quorum struct {
	mu       sync.Mutex
	required map[types.NodeID]bool
	acked    map[types.NodeID]bool
	done     chan struct{}
}

func newQuorum(nodes []types.NodeID) *quorum {
	q := &quorum{
		required: make(map[types.NodeID]bool, len(nodes)),
		acked:    make(map[types.NodeID]bool, len(nodes)),
		done:     make(chan struct{}),
	}
	for _, n := range nodes {
		q.required[n] = true
	}
	if len(q.required) == 0 {
		close(q.done)
	}
	return q
}

// ack records node's acknowledgement. It returns false when node is not part
// of the quorum or has already acknowledged.
func (q *quorum) ack(node types.NodeID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.required[node] || q.acked[node] {
		return false
	}
	q.acked[node] = true
	if len(q.acked) == len(q.required) {
		close(q.done)
	}
	return true
}

// wait blocks until the quorum is reached, timeout elapses or ctx ends.
func (q *quorum) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.done:
		return nil
	case <-timer.C:
		return types.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *quorum) acknowledged() []types.NodeID {
	q.mu.Lock()
	defer q.mu.Unlock()

	nodes := make([]types.NodeID, 0, len(q.acked))
	for n := range q.acked {
		nodes = append(nodes, n)
	}
	types.SortNodeIDs(nodes)
	return nodes
}

func (q *quorum) missing() []types.NodeID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var nodes []types.NodeID
	for n := range q.required {
		if !q.acked[n] {
			nodes = append(nodes, n)
		}
	}
	types.SortNodeIDs(nodes)
	return nodes
}
