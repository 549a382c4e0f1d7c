package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"replistore/pkg/config"
	"replistore/pkg/coordinator"
	"replistore/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "v0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replistore",
		Short: "Replicated file storage",
		Long: `A controller brokers store, load, remove and list requests across a pool
of storage nodes, keeping every file replicated R times and rebalancing
replicas as nodes come and go.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		controllerCmd(),
		nodeCmd(),
		clientCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when one is given, otherwise the
// environment.
func loadConfig(mode config.Mode) (*config.Config, error) {
	if configFile == "" {
		if os.Getenv("REPLISTORE_MODE") == "" {
			os.Setenv("REPLISTORE_MODE", string(mode))
		}
		return config.LoadFromEnv(), nil
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// intArgs parses positional integer arguments into dst, in order.
func intArgs(args []string, names []string, dst ...*int) error {
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", names[i], arg, err)
		}
		*dst[i] = v
	}
	return nil
}

func controllerCmd() *cobra.Command {
	var (
		port            int
		replication     int
		timeoutMS       int
		periodS         int
		rebalanceOnJoin bool
		metricsAddress  string
		healthAddress   string
		discovery       bool
	)

	cmd := &cobra.Command{
		Use:   "controller [port] [replication-factor] [timeout-ms] [rebalance-period-s]",
		Short: "Run the controller",
		Long:  `Start the controller that owns the file index and arbitrates client requests across storage nodes.`,
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(config.ModeController)
			if err != nil {
				return err
			}
			c := &cfg.Controller

			flags := cmd.Flags()
			if flags.Changed("port") {
				c.Port = port
			}
			if flags.Changed("replication") {
				c.ReplicationFactor = replication
			}
			if flags.Changed("timeout") {
				c.TimeoutMS = timeoutMS
			}
			if flags.Changed("rebalance-period") {
				c.RebalancePeriodS = periodS
			}
			if flags.Changed("rebalance-on-join") {
				c.RebalanceOnJoin = rebalanceOnJoin
			}
			if flags.Changed("metrics-address") {
				c.MetricsAddress = metricsAddress
			}
			if flags.Changed("health-address") {
				c.HealthAddress = healthAddress
			}
			if flags.Changed("discovery") {
				c.Discovery.Enabled = discovery
			}
			names := []string{"port", "replication factor", "timeout", "rebalance period"}
			if err := intArgs(args, names, &c.Port, &c.ReplicationFactor, &c.TimeoutMS, &c.RebalancePeriodS); err != nil {
				return err
			}

			if err := c.Validate(); err != nil {
				return fmt.Errorf("invalid controller configuration: %w", err)
			}

			coord := coordinator.New(*c, logger)
			if err := coord.Start(); err != nil {
				return err
			}

			waitForSignal()
			logger.Info("Shutting down controller")
			coord.Stop()
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 4000, "port to accept clients and nodes on")
	cmd.Flags().IntVarP(&replication, "replication", "r", 3, "replication factor")
	cmd.Flags().IntVar(&timeoutMS, "timeout", 1000, "operation timeout in milliseconds")
	cmd.Flags().IntVar(&periodS, "rebalance-period", 30, "seconds between rebalance passes")
	cmd.Flags().BoolVar(&rebalanceOnJoin, "rebalance-on-join", false, "also rebalance when a node joins")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&healthAddress, "health-address", "", "serve gRPC health checks on this address")
	cmd.Flags().BoolVar(&discovery, "discovery", false, "announce the controller on the local network")

	return cmd
}

func nodeCmd() *cobra.Command {
	var (
		port           int
		host           string
		controller     string
		timeoutMS      int
		dataDir        string
		buffer         string
		concurrency    int
		metricsAddress string
		healthAddress  string
		discovery      bool
	)

	cmd := &cobra.Command{
		Use:   "node [port] [controller-port] [timeout-ms] [data-dir]",
		Short: "Run a storage node",
		Long:  `Start a storage node that joins the controller and holds file replicas in its data directory.`,
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(config.ModeNode)
			if err != nil {
				return err
			}
			n := &cfg.Node

			flags := cmd.Flags()
			if flags.Changed("port") {
				n.Port = port
			}
			if flags.Changed("host") {
				n.Host = host
			}
			if flags.Changed("controller") {
				n.ControllerAddress = controller
			}
			if flags.Changed("timeout") {
				n.TimeoutMS = timeoutMS
			}
			if flags.Changed("data-dir") {
				n.DataDir = dataDir
			}
			if flags.Changed("buffer") {
				n.TransferBuffer = buffer
			}
			if flags.Changed("push-concurrency") {
				n.PushConcurrency = concurrency
			}
			if flags.Changed("metrics-address") {
				n.MetricsAddress = metricsAddress
			}
			if flags.Changed("health-address") {
				n.HealthAddress = healthAddress
			}
			if flags.Changed("discovery") {
				n.Discovery.Enabled = discovery
			}

			if len(args) > 0 {
				if err := intArgs(args[:1], []string{"port"}, &n.Port); err != nil {
					return err
				}
			}
			if len(args) > 1 {
				var cport int
				if err := intArgs(args[1:2], []string{"controller port"}, &cport); err != nil {
					return err
				}
				n.ControllerAddress = "localhost:" + strconv.Itoa(cport)
			}
			if len(args) > 2 {
				if err := intArgs(args[2:3], []string{"timeout"}, &n.TimeoutMS); err != nil {
					return err
				}
			}
			if len(args) > 3 {
				n.DataDir = args[3]
			}

			if err := n.Validate(); err != nil {
				return fmt.Errorf("invalid node configuration: %w", err)
			}

			storageNode, err := node.New(*n, logger)
			if err != nil {
				return err
			}
			if err := storageNode.Start(); err != nil {
				return err
			}

			waitForSignal()
			logger.Info("Shutting down storage node")
			storageNode.Stop()
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 4001, "port to accept clients and peers on")
	cmd.Flags().StringVar(&host, "host", "", "advertise host:port instead of the address the controller sees")
	cmd.Flags().StringVar(&controller, "controller", "localhost:4000", "controller address")
	cmd.Flags().IntVar(&timeoutMS, "timeout", 1000, "operation timeout in milliseconds")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for stored files (cleared on start)")
	cmd.Flags().StringVar(&buffer, "buffer", "64KB", "transfer buffer size")
	cmd.Flags().IntVar(&concurrency, "push-concurrency", 4, "parallel pushes during rebalance")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&healthAddress, "health-address", "", "serve gRPC health checks on this address")
	cmd.Flags().BoolVar(&discovery, "discovery", false, "find the controller on the local network")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("replistore " + version)
		},
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
