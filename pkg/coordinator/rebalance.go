package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"replistore/pkg/protocol"
	"replistore/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RebalanceReport summarizes one pass.
type RebalanceReport struct {
	ID         string
	Skipped    bool
	Reason     string
	Registered int
	Responded  []types.NodeID
	Files      int
	Discarded  int
	Transfers  int
	Deletions  int
	// Completed is true when every participant confirmed within the deadline.
	Completed bool
	Duration  time.Duration
}

// rebalancePass collects node replies for the pass in progress.
type rebalancePass struct {
	mu      sync.Mutex
	listing *quorum
	reports map[types.NodeID][]string

	completion *quorum
}

func (p *rebalancePass) recordList(node types.NodeID, files []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.listing.ack(node) {
		return false
	}
	p.reports[node] = append([]string(nil), files...)
	return true
}

func (p *rebalancePass) held() map[types.NodeID][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := make(map[types.NodeID][]string, len(p.reports))
	for node, files := range p.reports {
		held[node] = files
	}
	return held
}

func (p *rebalancePass) setCompletion(q *quorum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completion = q
}

func (p *rebalancePass) complete(node types.NodeID) bool {
	p.mu.Lock()
	q := p.completion
	p.mu.Unlock()
	return q != nil && q.ack(node)
}

// Rebalance runs one pass: it gathers every node's real file list, computes
// the target placement and drives the nodes to it. Client mutations are held
// off for the duration. A pass with fewer than R participating nodes is
// skipped without changes.
func (c *Coordinator) Rebalance(ctx context.Context) (*RebalanceReport, error) {
	c.rebalanceMutex.Lock()
	defer c.rebalanceMutex.Unlock()

	start := time.Now()
	report := &RebalanceReport{ID: uuid.NewString()}
	logger := c.logger.With(zap.String("pass", report.ID))

	defer func() {
		report.Duration = time.Since(start)
		result := "completed"
		switch {
		case report.Skipped:
			result = "skipped"
		case !report.Completed:
			result = "partial"
		}
		c.metrics.RebalancePasses.WithLabelValues(result).Inc()
		c.metrics.RebalanceDuration.Observe(report.Duration.Seconds())
	}()

	if !c.enoughNodes() {
		report.Skipped, report.Reason = true, "not enough nodes registered"
		logger.Debug("Rebalance skipped", zap.String("reason", report.Reason))
		return report, nil
	}

	c.gate.beginRebalance()
	defer c.gate.endRebalance()

	nodes := c.registry.ids()
	report.Registered = len(nodes)

	pass := &rebalancePass{
		listing: newQuorum(nodes),
		reports: make(map[types.NodeID][]string, len(nodes)),
	}
	c.setPass(pass)
	defer c.setPass(nil)

	logger.Info("Rebalance started", zap.Int("nodes", len(nodes)))

	c.broadcast(nodes, func(types.NodeID) protocol.Command { return protocol.List{} }, logger)

	if err := pass.listing.wait(ctx, c.timeout); err != nil {
		if !errors.Is(err, types.ErrTimeout) {
			return report, err
		}
		logger.Warn("Proceeding without file lists from every node",
			zap.Any("missing", pass.listing.missing()))
	}

	held := pass.held()
	for node := range held {
		report.Responded = append(report.Responded, node)
	}
	types.SortNodeIDs(report.Responded)

	if len(report.Responded) < c.replicationFactor {
		report.Skipped, report.Reason = true, "not enough nodes responded"
		logger.Warn("Rebalance skipped",
			zap.String("reason", report.Reason),
			zap.Int("responded", len(report.Responded)))
		return report, nil
	}

	reported := make(map[string]bool)
	for _, files := range held {
		for _, f := range files {
			reported[f] = true
		}
	}

	// Records nobody holds any more, and those being removed, are dropped.
	// Their data, if any remains, is deleted by the plan.
	report.Discarded = c.index.retain(func(rec types.FileRecord) bool {
		return reported[rec.Name] && (rec.State == types.StoreComplete || rec.State == types.StoreInProgress)
	})

	plan, err := c.strategy.BuildPlan(held, func(filename string) bool {
		_, ok := c.index.get(filename)
		return ok
	})
	if err != nil {
		return report, err
	}

	report.Files = len(plan.Assignment)
	report.Transfers = plan.Transfers()
	report.Deletions = plan.Deletions()
	c.metrics.RebalanceTransfers.Add(float64(report.Transfers))
	c.metrics.RebalanceDeletions.Add(float64(report.Deletions))

	completion := newQuorum(report.Responded)
	pass.setCompletion(completion)

	c.broadcast(report.Responded, func(node types.NodeID) protocol.Command {
		return plan.Instructions[node]
	}, logger)

	deadline := c.timeout * time.Duration(len(report.Responded))
	if err := completion.wait(ctx, deadline); err != nil {
		logger.Warn("Rebalance not confirmed by every node",
			zap.Any("missing", completion.missing()),
			zap.Error(err))
	} else {
		report.Completed = true
		files := make([]string, 0, len(plan.Assignment))
		for f := range plan.Assignment {
			files = append(files, f)
		}
		sort.Strings(files)
		c.index.complete(files)
	}

	view := make(map[types.NodeID][]string, len(report.Responded))
	for _, node := range report.Responded {
		view[node] = plan.Targets[node]
	}
	c.registry.commit(view)
	c.metrics.FilesVisible.Set(float64(len(c.index.visible())))

	logger.Info("Rebalance finished",
		zap.Int("files", report.Files),
		zap.Int("discarded", report.Discarded),
		zap.Int("transfers", report.Transfers),
		zap.Int("deletions", report.Deletions),
		zap.Bool("completed", report.Completed),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// ListReport records a node's file list for the pass in progress.
func (c *Coordinator) ListReport(node types.NodeID, files []string) {
	pass := c.currentPass()
	if pass == nil || !pass.recordList(node, files) {
		c.metrics.LateAcks.WithLabelValues("list").Inc()
		c.logger.Info("Ignoring file list outside a rebalance pass", zap.String("node", string(node)))
	}
}

// RebalanceComplete records that node finished its share of the pass.
func (c *Coordinator) RebalanceComplete(node types.NodeID) {
	pass := c.currentPass()
	if pass == nil || !pass.complete(node) {
		c.metrics.LateAcks.WithLabelValues("rebalance").Inc()
		c.logger.Info("Ignoring rebalance completion outside a rebalance pass", zap.String("node", string(node)))
	}
}

func (c *Coordinator) currentPass() *rebalancePass {
	c.passMutex.Lock()
	defer c.passMutex.Unlock()
	return c.pass
}

func (c *Coordinator) setPass(p *rebalancePass) {
	c.passMutex.Lock()
	defer c.passMutex.Unlock()
	c.pass = p
}

func (c *Coordinator) broadcast(nodes []types.NodeID, build func(types.NodeID) protocol.Command, logger *zap.Logger) {
	for _, node := range nodes {
		link, ok := c.registry.link(node)
		if !ok {
			continue
		}
		if err := link.Send(build(node)); err != nil {
			logger.Warn("Failed to reach node", zap.String("node", string(node)), zap.Error(err))
		}
	}
}

// rebalanceLoop runs a pass every period and, when enabled, after node joins
// allowed by the join limiter.
func (c *Coordinator) rebalanceLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RebalancePeriod())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runRebalance("periodic")
		case <-c.joinTrigger:
			if !c.joinLimiter.Allow() {
				c.logger.Debug("Join-triggered rebalance suppressed by rate limit")
				continue
			}
			c.runRebalance("join")
		}
	}
}

func (c *Coordinator) runRebalance(trigger string) {
	report, err := c.Rebalance(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("Rebalance failed", zap.String("trigger", trigger), zap.Error(err))
		}
		return
	}
	if !report.Skipped {
		c.logger.Debug("Rebalance pass done", zap.String("trigger", trigger), zap.String("pass", report.ID))
	}
}
