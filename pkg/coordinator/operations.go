package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"replistore/pkg/protocol"
	"replistore/pkg/types"

	"go.uber.org/zap"
)

const (
	opStore  = "store"
	opLoad   = "load"
	opReload = "reload"
	opRemove = "remove"
	opList   = "list"
)

// Store admits a new file, names its R target nodes through announce and
// waits for all of them to acknowledge. On timeout the record is rolled back
// and types.ErrTimeout is returned.
func (c *Coordinator) Store(ctx context.Context, filename string, size int64, announce func([]types.NodeID) error) (err error) {
	start := time.Now()
	defer func() { c.observe(opStore, start, err) }()

	c.gate.enter()
	defer c.gate.exit()

	nodes := c.registry.ids()
	if len(nodes) < c.replicationFactor {
		return types.ErrNotEnoughNodes
	}

	sh := c.index.shard(filename)
	sh.mu.Lock()
	if rec, ok := sh.records[filename]; ok && rec.State != types.RemoveComplete {
		sh.mu.Unlock()
		return types.ErrFileAlreadyExists
	}

	targets, err := c.strategy.Select(nodes, c.nextStoreOffset())
	if err != nil {
		sh.mu.Unlock()
		return err
	}

	rec := &types.FileRecord{Name: filename, Size: size, State: types.StoreInProgress}
	q := newQuorum(targets)
	sh.records[filename] = rec
	sh.pending[filename] = q
	sh.mu.Unlock()

	logger := c.logger.With(zap.String("filename", filename))
	logger.Debug("Store admitted", zap.Int64("size", size), zap.Any("targets", targets))

	if err := announce(targets); err != nil {
		c.rollbackStore(filename, rec, q)
		return fmt.Errorf("failed to announce targets: %w", err)
	}

	if err := q.wait(ctx, c.timeout); err != nil {
		c.rollbackStore(filename, rec, q)
		logger.Warn("Store did not reach quorum, rolled back",
			zap.Any("acknowledged", q.acknowledged()),
			zap.Any("missing", q.missing()),
			zap.Error(err))
		return err
	}

	sh.mu.Lock()
	delete(sh.pending, filename)
	rec.State = types.StoreComplete
	sh.mu.Unlock()

	c.registry.addFile(filename, targets)
	c.metrics.FilesVisible.Inc()
	logger.Info("Store complete", zap.Int64("size", size))
	return nil
}

func (c *Coordinator) rollbackStore(filename string, rec *types.FileRecord, q *quorum) {
	sh := c.index.shard(filename)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.pending[filename] == q {
		delete(sh.pending, filename)
	}
	if sh.records[filename] == rec {
		delete(sh.records, filename)
	}
}

// StoreAck records that node finished receiving filename. Acknowledgements
// for stores that are no longer pending are logged and dropped.
func (c *Coordinator) StoreAck(node types.NodeID, filename string) {
	sh := c.index.shard(filename)
	sh.mu.Lock()
	q := sh.pending[filename]
	rec, ok := sh.records[filename]
	active := q != nil && ok && rec.State == types.StoreInProgress
	sh.mu.Unlock()

	if !active {
		c.metrics.LateAcks.WithLabelValues(opStore).Inc()
		c.logger.Info("Ignoring store acknowledgement with no pending store",
			zap.String("filename", filename),
			zap.String("node", string(node)))
		return
	}

	if !q.ack(node) {
		c.logger.Warn("Ignoring store acknowledgement from unexpected node",
			zap.String("filename", filename),
			zap.String("node", string(node)))
	}
}

// Load starts a fresh load of filename for session and names a node to read
// from together with the file size.
func (c *Coordinator) Load(session types.SessionID, filename string) (node types.NodeID, size int64, err error) {
	start := time.Now()
	defer func() { c.observe(opLoad, start, err) }()
	return c.load(session, filename, true)
}

// Reload names another node for the load session started last, skipping
// every node already offered. It fails with types.ErrLoadFailed once none
// remain.
func (c *Coordinator) Reload(session types.SessionID, filename string) (node types.NodeID, size int64, err error) {
	start := time.Now()
	defer func() { c.observe(opReload, start, err) }()
	return c.load(session, filename, false)
}

func (c *Coordinator) load(session types.SessionID, filename string, fresh bool) (types.NodeID, int64, error) {
	c.gate.wait()

	if !c.enoughNodes() {
		return "", 0, types.ErrNotEnoughNodes
	}

	rec, ok := c.index.get(filename)
	if !ok || !rec.Visible() {
		return "", 0, types.ErrFileNotFound
	}

	tried := c.sessions.tried(session, filename, fresh)

	var candidates []types.NodeID
	for _, n := range c.registry.holders(filename) {
		if !tried[n] {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", 0, types.ErrLoadFailed
	}

	node := candidates[c.nextLoadOffset()%len(candidates)]
	c.sessions.offer(session, filename, node)

	c.logger.Debug("Load directed",
		zap.String("session", string(session)),
		zap.String("filename", filename),
		zap.String("node", string(node)),
		zap.Bool("reload", !fresh))
	return node, rec.Size, nil
}

// Remove instructs every node believed to hold filename to delete it and
// waits for each of them to acknowledge. On timeout the record stays in the
// remove in progress state for the next rebalance to reconcile.
func (c *Coordinator) Remove(ctx context.Context, filename string) (err error) {
	start := time.Now()
	defer func() { c.observe(opRemove, start, err) }()

	c.gate.enter()
	defer c.gate.exit()

	if !c.enoughNodes() {
		return types.ErrNotEnoughNodes
	}

	sh := c.index.shard(filename)
	sh.mu.Lock()
	rec, ok := sh.records[filename]
	if !ok || rec.State != types.StoreComplete {
		sh.mu.Unlock()
		return types.ErrFileNotFound
	}

	holders := c.registry.holders(filename)
	q := newQuorum(holders)
	rec.State = types.RemoveInProgress
	sh.pending[filename] = q
	sh.mu.Unlock()

	c.metrics.FilesVisible.Dec()
	logger := c.logger.With(zap.String("filename", filename))

	for _, node := range holders {
		link, ok := c.registry.link(node)
		if !ok {
			continue
		}
		if err := link.Send(protocol.Remove{Filename: filename}); err != nil {
			logger.Warn("Failed to send remove", zap.String("node", string(node)), zap.Error(err))
		}
	}

	waitErr := q.wait(ctx, c.timeout)

	sh.mu.Lock()
	if sh.pending[filename] == q {
		delete(sh.pending, filename)
	}
	if waitErr == nil {
		rec.State = types.RemoveComplete
	}
	sh.mu.Unlock()

	c.registry.removeFile(filename, q.acknowledged())

	if waitErr != nil {
		logger.Warn("Remove not acknowledged by every holder",
			zap.Any("missing", q.missing()),
			zap.Error(waitErr))
		return waitErr
	}

	logger.Info("Remove complete", zap.Int("holders", len(holders)))
	return nil
}

// RemoveAck records that node no longer holds filename, either because it
// deleted it or because it never had it.
func (c *Coordinator) RemoveAck(node types.NodeID, filename string) {
	sh := c.index.shard(filename)
	sh.mu.Lock()
	q := sh.pending[filename]
	rec, ok := sh.records[filename]
	active := q != nil && ok && rec.State == types.RemoveInProgress
	sh.mu.Unlock()

	if !active {
		c.metrics.LateAcks.WithLabelValues(opRemove).Inc()
		c.logger.Info("Ignoring remove acknowledgement with no pending remove",
			zap.String("filename", filename),
			zap.String("node", string(node)))
		return
	}

	if !q.ack(node) {
		c.logger.Warn("Ignoring remove acknowledgement from unexpected node",
			zap.String("filename", filename),
			zap.String("node", string(node)))
	}
}

// List returns the names of every file in the store complete state.
func (c *Coordinator) List() (files []string, err error) {
	start := time.Now()
	defer func() { c.observe(opList, start, err) }()

	c.gate.wait()

	if !c.enoughNodes() {
		return nil, types.ErrNotEnoughNodes
	}
	return c.index.visible(), nil
}

func (c *Coordinator) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrTimeout):
		result = "timeout"
	default:
		result = "rejected"
	}
	c.metrics.Operations.WithLabelValues(op, result).Inc()
	c.metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// sessions remembers, per client session, which nodes a load has already
// been directed to.
type sessions struct {
	mu    sync.Mutex
	loads map[types.SessionID]*loadAttempt
}

type loadAttempt struct {
	filename string
	offered  map[types.NodeID]bool
}

func newSessions() *sessions {
	return &sessions{loads: make(map[types.SessionID]*loadAttempt)}
}

// tried returns a copy of the nodes already offered for filename. A fresh
// load, or a reload of a different file, starts over.
func (s *sessions) tried(session types.SessionID, filename string, fresh bool) map[types.NodeID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.loads[session]
	if fresh || !ok || attempt.filename != filename {
		attempt = &loadAttempt{filename: filename, offered: make(map[types.NodeID]bool)}
		s.loads[session] = attempt
	}

	tried := make(map[types.NodeID]bool, len(attempt.offered))
	for n := range attempt.offered {
		tried[n] = true
	}
	return tried
}

func (s *sessions) offer(session types.SessionID, filename string, node types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt, ok := s.loads[session]; ok && attempt.filename == filename {
		attempt.offered[node] = true
	}
}

func (s *sessions) forget(session types.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loads, session)
}
