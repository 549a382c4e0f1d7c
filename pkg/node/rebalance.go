package node

import (
	"errors"

	"replistore/pkg/protocol"
	"replistore/pkg/types"

	"go.uber.org/zap"
)

// executeRebalance carries out this node's share of a plan: pushes first,
// then deletions. Individual failures are logged and never abort the rest.
func (n *Node) executeRebalance(plan protocol.Rebalance) {
	if plan.Empty() {
		n.metrics.Rebalances.Inc()
		return
	}

	result := n.transfer.ParallelPush(n.ctx, plan.Moves, n.config.PushConcurrency)
	n.metrics.Pushes.WithLabelValues("ok").Add(float64(result.Succeeded))
	n.metrics.Pushes.WithLabelValues("failed").Add(float64(result.Failed))

	deleted := 0
	for _, filename := range plan.Removes {
		err := n.store.Delete(filename)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, types.ErrFileNotFound):
		default:
			n.logger.Warn("Failed to delete file during rebalance",
				zap.String("filename", filename),
				zap.Error(err))
		}
	}
	n.metrics.FilesRemoved.Add(float64(deleted))
	n.metrics.Rebalances.Inc()

	n.logger.Info("Rebalance instruction executed",
		zap.Int("pushed", result.Succeeded),
		zap.Int("push_failures", result.Failed),
		zap.Int("deleted", deleted))
}
