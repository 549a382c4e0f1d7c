package coordinator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"replistore/pkg/config"
	"replistore/pkg/shared"
	"replistore/pkg/storage"
	"replistore/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Coordinator is the controller: it owns the file index and the node
// registry and arbitrates every client request against them.
type Coordinator struct {
	address string
	logger  *zap.Logger
	config  config.ControllerConfig

	replicationFactor int
	timeout           time.Duration
	strategy          *storage.DistributionStrategy

	index    *index
	registry *registry
	gate     *gate
	sessions *sessions

	// Rotating offsets for store placement and load selection.
	cursorMutex sync.Mutex
	storeCursor int
	loadCursor  int

	// Only one pass runs at a time; pass is non-nil while one does.
	rebalanceMutex sync.Mutex
	passMutex      sync.Mutex
	pass           *rebalancePass
	joinTrigger    chan struct{}
	joinLimiter    *rate.Limiter

	metricsRegistry *prometheus.Registry
	metrics         *Metrics
	metricsServer   *http.Server
	health          *shared.HealthServer
	announcer       *shared.Announcer

	listener net.Listener
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.ControllerConfig, logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	reg := prometheus.NewRegistry()

	c := &Coordinator{
		address:           ":" + strconv.Itoa(cfg.Port),
		logger:            logger,
		config:            cfg,
		replicationFactor: cfg.ReplicationFactor,
		timeout:           cfg.Timeout(),
		strategy:          storage.NewDistributionStrategy(cfg.ReplicationFactor),
		index:             newIndex(),
		registry:          newRegistry(),
		gate:              newGate(),
		sessions:          newSessions(),
		joinTrigger:       make(chan struct{}, 1),
		metricsRegistry:   reg,
		metrics:           NewMetrics(reg),
		ctx:               ctx,
		cancel:            cancel,
	}

	if cfg.RebalanceOnJoin {
		burst := cfg.JoinRebalanceBurst
		if burst < 1 {
			burst = 1
		}
		c.joinLimiter = rate.NewLimiter(rate.Every(cfg.RebalancePeriod()), burst)
	}

	if cfg.HealthAddress != "" {
		c.health = shared.NewHealthServer(logger.Named("health"))
	}

	return c
}

func (c *Coordinator) Start() error {
	listener, err := net.Listen("tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.address, err)
	}
	c.listener = listener

	if err := c.health.Start(c.config.HealthAddress); err != nil {
		listener.Close()
		return err
	}
	c.updateHealth()

	if c.config.MetricsAddress != "" {
		server, err := shared.ServeMetrics(c.config.MetricsAddress, c.metricsRegistry, c.logger)
		if err != nil {
			listener.Close()
			c.health.Stop()
			return err
		}
		c.metricsServer = server
	}

	if c.config.Discovery.Enabled {
		c.announcer = shared.Announce(c.config.Discovery.Port, strconv.Itoa(c.Port()), c.logger.Named("discovery"))
	}

	c.wg.Add(2)
	go c.acceptLoop()
	go c.rebalanceLoop()

	c.logger.Info("Controller started",
		zap.String("address", listener.Addr().String()),
		zap.Int("replication_factor", c.replicationFactor),
		zap.Duration("timeout", c.timeout),
		zap.Duration("rebalance_period", c.config.RebalancePeriod()),
		zap.Bool("rebalance_on_join", c.joinLimiter != nil))

	return nil
}

func (c *Coordinator) Stop() {
	c.cancel()

	if c.listener != nil {
		c.listener.Close()
	}
	c.announcer.Stop()
	c.health.Stop()
	if c.metricsServer != nil {
		c.metricsServer.Close()
	}

	c.wg.Wait()
	c.logger.Info("Controller stopped")
}

// Port returns the port the controller accepts connections on.
func (c *Coordinator) Port() int {
	if c.listener == nil {
		return c.config.Port
	}
	return c.listener.Addr().(*net.TCPAddr).Port
}

func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

func (c *Coordinator) MetricsRegistry() *prometheus.Registry {
	return c.metricsRegistry
}

// RegisterNode adds a node reachable through link. A node rejoining under the
// same identity replaces its previous registration and believed file set.
func (c *Coordinator) RegisterNode(id types.NodeID, link NodeLink) {
	replaced := c.registry.add(id, link)
	c.metrics.NodesRegistered.Set(float64(c.registry.count()))
	c.updateHealth()

	c.logger.Info("Storage node joined",
		zap.String("node", string(id)),
		zap.Bool("rejoined", replaced),
		zap.Int("nodes", c.registry.count()))

	if c.joinLimiter != nil {
		select {
		case c.joinTrigger <- struct{}{}:
		default:
		}
	}
}

// UnregisterNode drops a node whose connection closed. Its files stay in the
// index and are reconciled by the next rebalance.
func (c *Coordinator) UnregisterNode(id types.NodeID, link NodeLink) {
	if !c.registry.remove(id, link) {
		return
	}
	c.metrics.NodesRegistered.Set(float64(c.registry.count()))
	c.updateHealth()

	c.logger.Warn("Storage node left",
		zap.String("node", string(id)),
		zap.Int("nodes", c.registry.count()))
}

// Nodes returns the registered node identities, sorted.
func (c *Coordinator) Nodes() []types.NodeID {
	return c.registry.ids()
}

// Record returns the index entry for filename.
func (c *Coordinator) Record(filename string) (types.FileRecord, bool) {
	return c.index.get(filename)
}

// BelievedFiles returns the files the controller believes node holds.
func (c *Coordinator) BelievedFiles(node types.NodeID) []string {
	return c.registry.files(node)
}

func (c *Coordinator) enoughNodes() bool {
	return c.registry.count() >= c.replicationFactor
}

func (c *Coordinator) updateHealth() {
	c.health.SetServing("", c.enoughNodes())
}

func (c *Coordinator) nextStoreOffset() int {
	c.cursorMutex.Lock()
	defer c.cursorMutex.Unlock()
	offset := c.storeCursor
	c.storeCursor++
	return offset
}

func (c *Coordinator) nextLoadOffset() int {
	c.cursorMutex.Lock()
	defer c.cursorMutex.Unlock()
	offset := c.loadCursor
	c.loadCursor++
	return offset
}
