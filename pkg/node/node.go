package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"replistore/pkg/config"
	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DiscoveryTimeout bounds the wait for a controller announcement.
	DiscoveryTimeout = 10 * time.Second

	joinRetries       = 5
	joinRetryInterval = time.Second
)

// ErrControllerUnavailable is returned when no control connection is open.
var ErrControllerUnavailable = errors.New("controller connection not established")

// Node is a storage node: it holds replicas in its data directory, serves
// client and peer transfers and carries out controller instructions.
type Node struct {
	config config.NodeConfig
	logger *zap.Logger

	timeout    time.Duration
	bufferSize int

	store    *storage.LocalStore
	transfer *storage.FileTransfer

	// The control connection is replaced when the node rejoins.
	controllerMutex   sync.Mutex
	controller        *shared.Conn
	controllerAddress string

	metricsRegistry *prometheus.Registry
	metrics         *Metrics
	metricsServer   *http.Server
	health          *shared.HealthServer

	listener net.Listener
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.NodeConfig, logger *zap.Logger) (*Node, error) {
	bufferSize, err := cfg.TransferBufferBytes()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := prometheus.NewRegistry()

	n := &Node{
		config:            cfg,
		logger:            logger,
		timeout:           cfg.Timeout(),
		bufferSize:        bufferSize,
		controllerAddress: cfg.ControllerAddress,
		metricsRegistry:   reg,
		metrics:           NewMetrics(reg),
		ctx:               ctx,
		cancel:            cancel,
	}

	if cfg.HealthAddress != "" {
		n.health = shared.NewHealthServer(logger.Named("health"))
	}

	return n, nil
}

// Start clears the data directory, begins accepting peer connections and
// joins the controller. It returns once the node has joined.
func (n *Node) Start() error {
	store, err := storage.NewLocalStore(n.config.DataDir, n.logger.Named("store"))
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	n.store = store
	n.transfer = storage.NewFileTransfer(store, n.timeout, n.bufferSize, n.logger.Named("transfer"))

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(n.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", n.config.Port, err)
	}
	n.listener = listener

	if n.config.Discovery.Enabled {
		address, err := shared.DiscoverController(n.config.Discovery.Port, DiscoveryTimeout)
		if err != nil {
			listener.Close()
			return err
		}
		n.logger.Info("Discovered controller", zap.String("controller", address))
		n.controllerAddress = address
	}

	conn, err := n.join()
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to join controller: %w", err)
	}

	if err := n.health.Start(n.config.HealthAddress); err != nil {
		conn.Close()
		listener.Close()
		return err
	}
	n.health.SetServing("", true)

	if n.config.MetricsAddress != "" {
		server, err := shared.ServeMetrics(n.config.MetricsAddress, n.metricsRegistry, n.logger)
		if err != nil {
			conn.Close()
			listener.Close()
			n.health.Stop()
			return err
		}
		n.metricsServer = server
	}

	n.wg.Add(2)
	go n.acceptLoop()
	go n.controllerLoop(conn)

	n.logger.Info("Storage node started",
		zap.String("address", listener.Addr().String()),
		zap.String("controller", n.controllerAddress),
		zap.String("data_dir", store.Root()))

	return nil
}

func (n *Node) Stop() {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}
	n.controllerMutex.Lock()
	if n.controller != nil {
		n.controller.Close()
	}
	n.controllerMutex.Unlock()

	n.health.Stop()
	if n.metricsServer != nil {
		n.metricsServer.Close()
	}

	n.wg.Wait()
	n.logger.Info("Storage node stopped")
}

// Port returns the port the node accepts client and peer connections on.
func (n *Node) Port() int {
	if n.listener == nil {
		return n.config.Port
	}
	return n.listener.Addr().(*net.TCPAddr).Port
}

// Store exposes the node's local file area.
func (n *Node) Store() *storage.LocalStore {
	return n.store
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// joinArgument is what the node advertises in JOIN: its port, or host:port
// when an explicit advertised host is configured.
func (n *Node) joinArgument() string {
	port := strconv.Itoa(n.Port())
	if n.config.Host != "" {
		return net.JoinHostPort(n.config.Host, port)
	}
	return port
}

// join dials the controller and registers this node on the new connection.
func (n *Node) join() (*shared.Conn, error) {
	conn, err := shared.DialWithRetry(n.ctx, n.controllerAddress, joinRetries, joinRetryInterval)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(protocol.Join{Port: n.joinArgument()}); err != nil {
		conn.Close()
		return nil, err
	}

	n.controllerMutex.Lock()
	if err := n.ctx.Err(); err != nil {
		// Stop already ran and will not close this connection.
		n.controllerMutex.Unlock()
		conn.Close()
		return nil, err
	}
	n.controller = conn
	n.controllerMutex.Unlock()

	n.logger.Info("Joined controller",
		zap.String("controller", n.controllerAddress),
		zap.String("advertised", n.joinArgument()))
	return conn, nil
}

// notifyController sends cmd on the current control connection.
func (n *Node) notifyController(cmd protocol.Command) error {
	n.controllerMutex.Lock()
	conn := n.controller
	n.controllerMutex.Unlock()

	if conn == nil {
		return ErrControllerUnavailable
	}
	return conn.Send(cmd)
}
