package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"replistore/pkg/utils"
)

type Mode string

const (
	ModeController Mode = "controller"
	ModeNode       Mode = "node"
	ModeClient     Mode = "client"
)

type Config struct {
	Mode       Mode             `json:"mode"`
	Controller ControllerConfig `json:"controller,omitempty"`
	Node       NodeConfig       `json:"node,omitempty"`
	Client     ClientConfig     `json:"client,omitempty"`
}

type ControllerConfig struct {
	Port               int             `json:"port"`
	ReplicationFactor  int             `json:"replication_factor"`
	TimeoutMS          int             `json:"timeout_ms"`
	RebalancePeriodS   int             `json:"rebalance_period_s"`
	RebalanceOnJoin    bool            `json:"rebalance_on_join"`
	JoinRebalanceBurst int             `json:"join_rebalance_burst"`
	MetricsAddress     string          `json:"metrics_address"`
	HealthAddress      string          `json:"health_address"`
	Discovery          DiscoveryConfig `json:"discovery"`
}

type NodeConfig struct {
	Port              int             `json:"port"`
	Host              string          `json:"host"`
	ControllerAddress string          `json:"controller_address"`
	TimeoutMS         int             `json:"timeout_ms"`
	DataDir           string          `json:"data_dir"`
	TransferBuffer    string          `json:"transfer_buffer"`
	PushConcurrency   int             `json:"push_concurrency"`
	MetricsAddress    string          `json:"metrics_address"`
	HealthAddress     string          `json:"health_address"`
	Discovery         DiscoveryConfig `json:"discovery"`
}

type ClientConfig struct {
	ControllerAddress string `json:"controller_address"`
	TimeoutMS         int    `json:"timeout_ms"`
}

type DiscoveryConfig struct {
	Enabled bool   `json:"enabled"`
	Port    string `json:"port"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	return &Config{
		Mode: ModeController,
		Controller: ControllerConfig{
			Port:               4000,
			ReplicationFactor:  3,
			TimeoutMS:          1000,
			RebalancePeriodS:   30,
			JoinRebalanceBurst: 1,
		},
		Node: NodeConfig{
			Port:              4001,
			ControllerAddress: "localhost:4000",
			TimeoutMS:         1000,
			DataDir:           "./data",
			TransferBuffer:    "64KB",
			PushConcurrency:   4,
		},
		Client: ClientConfig{
			ControllerAddress: "localhost:4000",
			TimeoutMS:         1000,
		},
	}
}

func LoadFromEnv() *Config {
	cfg := Default()
	cfg.Mode = Mode(getEnv("REPLISTORE_MODE", string(cfg.Mode)))

	switch cfg.Mode {
	case ModeController:
		c := &cfg.Controller
		c.Port = getEnvInt("REPLISTORE_PORT", c.Port)
		c.ReplicationFactor = getEnvInt("REPLISTORE_REPLICATION_FACTOR", c.ReplicationFactor)
		c.TimeoutMS = getEnvInt("REPLISTORE_TIMEOUT_MS", c.TimeoutMS)
		c.RebalancePeriodS = getEnvInt("REPLISTORE_REBALANCE_PERIOD_S", c.RebalancePeriodS)
		c.RebalanceOnJoin = getEnv("REPLISTORE_REBALANCE_ON_JOIN", "") == "true"
		c.MetricsAddress = getEnv("REPLISTORE_METRICS_ADDRESS", "")
		c.HealthAddress = getEnv("REPLISTORE_HEALTH_ADDRESS", "")
		c.Discovery.Enabled = getEnv("REPLISTORE_DISCOVERY", "") == "true"
		c.Discovery.Port = getEnv("REPLISTORE_DISCOVERY_PORT", "")
	case ModeNode:
		n := &cfg.Node
		n.Port = getEnvInt("REPLISTORE_PORT", n.Port)
		n.Host = getEnv("REPLISTORE_HOST", "")
		n.ControllerAddress = getEnv("REPLISTORE_CONTROLLER_ADDRESS", n.ControllerAddress)
		n.TimeoutMS = getEnvInt("REPLISTORE_TIMEOUT_MS", n.TimeoutMS)
		n.DataDir = getEnv("REPLISTORE_DATA_DIR", n.DataDir)
		n.TransferBuffer = getEnv("REPLISTORE_TRANSFER_BUFFER", n.TransferBuffer)
		n.PushConcurrency = getEnvInt("REPLISTORE_PUSH_CONCURRENCY", n.PushConcurrency)
		n.MetricsAddress = getEnv("REPLISTORE_METRICS_ADDRESS", "")
		n.HealthAddress = getEnv("REPLISTORE_HEALTH_ADDRESS", "")
		n.Discovery.Enabled = getEnv("REPLISTORE_DISCOVERY", "") == "true"
		n.Discovery.Port = getEnv("REPLISTORE_DISCOVERY_PORT", "")
	case ModeClient:
		cl := &cfg.Client
		cl.ControllerAddress = getEnv("REPLISTORE_CONTROLLER_ADDRESS", cl.ControllerAddress)
		cl.TimeoutMS = getEnvInt("REPLISTORE_TIMEOUT_MS", cl.TimeoutMS)
	}

	return cfg
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeController:
		return c.Controller.Validate()
	case ModeNode:
		return c.Node.Validate()
	case ModeClient:
		return c.Client.Validate()
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
}

func (c ControllerConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1, got %d", c.ReplicationFactor)
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout must be positive, got %dms", c.TimeoutMS)
	}
	if c.RebalancePeriodS <= 0 {
		return fmt.Errorf("rebalance period must be positive, got %ds", c.RebalancePeriodS)
	}
	if c.RebalanceOnJoin && c.JoinRebalanceBurst < 1 {
		return fmt.Errorf("join rebalance burst must be at least 1, got %d", c.JoinRebalanceBurst)
	}
	return nil
}

func (c ControllerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c ControllerConfig) RebalancePeriod() time.Duration {
	return time.Duration(c.RebalancePeriodS) * time.Second
}

func (c NodeConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.ControllerAddress == "" && !c.Discovery.Enabled {
		return fmt.Errorf("controller address is required unless discovery is enabled")
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout must be positive, got %dms", c.TimeoutMS)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if _, err := c.TransferBufferBytes(); err != nil {
		return err
	}
	if c.PushConcurrency < 1 {
		return fmt.Errorf("push concurrency must be at least 1, got %d", c.PushConcurrency)
	}
	return nil
}

func (c NodeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TransferBufferBytes parses the human readable transfer buffer size.
func (c NodeConfig) TransferBufferBytes() (int, error) {
	if c.TransferBuffer == "" {
		return 64 * 1024, nil
	}
	size, err := utils.ParseDataSize(c.TransferBuffer)
	if err != nil {
		return 0, fmt.Errorf("invalid transfer buffer: %w", err)
	}
	if size <= 0 || size > 64*1024*1024 {
		return 0, fmt.Errorf("transfer buffer must be between 1B and 64MB, got %s", c.TransferBuffer)
	}
	return int(size), nil
}

func (c ClientConfig) Validate() error {
	if c.ControllerAddress == "" {
		return fmt.Errorf("controller address is required")
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout must be positive, got %dms", c.TimeoutMS)
	}
	return nil
}

func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
