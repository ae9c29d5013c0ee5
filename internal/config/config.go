// Package config handles configuration loading and validation for blockbench.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/blockbench/internal/nodeapi"
	"github.com/tunnelmesh/blockbench/internal/registry"
	"github.com/tunnelmesh/blockbench/pkg/bytesize"
)

// Duration is a time.Duration read from YAML as a string such as "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ClientConfig tunes the HTTP client used against storage nodes.
type ClientConfig struct {
	Timeout               Duration `yaml:"timeout"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"` // per batch of generation/replication/deletion calls
	RequestsPerSecond     float64  `yaml:"requests_per_second"`     // per node, 0 = unlimited
	Burst                 int      `yaml:"burst"`
}

// MetricsConfig holds configuration for the observability HTTP server.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9100"; empty disables the server
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval Duration          `yaml:"flush_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string     `yaml:"level"`
	JSON  bool       `yaml:"json"`
	Loki  LokiConfig `yaml:"loki"`
}

// ReportConfig controls the final summary output.
type ReportConfig struct {
	JSONFile string `yaml:"json_file"`
}

// Config is the complete harness configuration.
type Config struct {
	Nodes               []registry.Node `yaml:"nodes"`
	ReplicationFactor   int             `yaml:"replication_factor"`
	BlocksPerNode       int             `yaml:"blocks_per_node"`
	BlockSizeMin        bytesize.Size   `yaml:"block_size_min"`
	BlockSizeMax        bytesize.Size   `yaml:"block_size_max"`
	ReplicationInterval Duration        `yaml:"replication_interval"`
	PruningInterval     Duration        `yaml:"pruning_interval"`
	StatsInterval       Duration        `yaml:"stats_interval"`
	Duration            Duration        `yaml:"duration"` // 0 = run until signalled
	Seed                int64           `yaml:"seed"`     // 0 = time based
	RetireAfterFailures int             `yaml:"retire_after_failures"`
	APIBasePath         string          `yaml:"api_base_path"`
	Client              ClientConfig    `yaml:"client"`
	Metrics             MetricsConfig   `yaml:"metrics"`
	Logging             LoggingConfig   `yaml:"logging"`
	Report              ReportConfig    `yaml:"report"`
}

// DefaultNodes is the four node local cluster the benchmark has always targeted.
func DefaultNodes() []registry.Node {
	return []registry.Node{
		{Name: "bootstrap", Endpoint: "http://localhost:9080"},
		{Name: "node1", Endpoint: "http://localhost:9081"},
		{Name: "node2", Endpoint: "http://localhost:9082"},
		{Name: "node3", Endpoint: "http://localhost:9083"},
	}
}

const (
	defaultReplicationFactor = 3
	defaultBlocksPerNode     = 16
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig returns the base that YAML is decoded onto. Fields where 0 is
// meaningful are set here, so an explicit 0 in the file is kept and seen by
// Validate.
func newConfig() *Config {
	return &Config{
		ReplicationFactor: defaultReplicationFactor,
		BlocksPerNode:     defaultBlocksPerNode,
	}
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Nodes) == 0 {
		c.Nodes = DefaultNodes()
	}
	if c.BlockSizeMin == 0 {
		c.BlockSizeMin = bytesize.Size(bytesize.KB)
	}
	if c.BlockSizeMax == 0 {
		c.BlockSizeMax = bytesize.Size(100 * bytesize.KB)
	}
	if c.ReplicationInterval == 0 {
		c.ReplicationInterval = Duration(500 * time.Millisecond)
	}
	if c.PruningInterval == 0 {
		c.PruningInterval = Duration(2 * time.Second)
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = Duration(5 * time.Second)
	}
	if c.APIBasePath == "" {
		c.APIBasePath = nodeapi.DefaultBasePath
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = Duration(30 * time.Second)
	}
	if c.Client.MaxConcurrentRequests == 0 {
		c.Client.MaxConcurrentRequests = 32
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Loki.BatchSize == 0 {
		c.Logging.Loki.BatchSize = 100
	}
	if c.Logging.Loki.FlushInterval == 0 {
		c.Logging.Loki.FlushInterval = Duration(5 * time.Second)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := registry.New(c.Nodes); err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.ReplicationFactor > len(c.Nodes) {
		return fmt.Errorf("replication_factor %d exceeds node count %d", c.ReplicationFactor, len(c.Nodes))
	}
	if c.BlocksPerNode < 0 {
		return fmt.Errorf("blocks_per_node must not be negative")
	}
	if c.BlockSizeMin <= 0 || c.BlockSizeMax <= 0 {
		return fmt.Errorf("block sizes must be positive")
	}
	if c.BlockSizeMin > c.BlockSizeMax {
		return fmt.Errorf("block_size_min %s exceeds block_size_max %s", c.BlockSizeMin, c.BlockSizeMax)
	}
	if c.ReplicationInterval <= 0 || c.PruningInterval <= 0 || c.StatsInterval <= 0 {
		return fmt.Errorf("replication, pruning and stats intervals must be positive")
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if c.RetireAfterFailures < 0 {
		return fmt.Errorf("retire_after_failures must not be negative")
	}
	if c.Client.MaxConcurrentRequests < 1 {
		return fmt.Errorf("client.max_concurrent_requests must be at least 1")
	}
	if c.Client.RequestsPerSecond < 0 {
		return fmt.Errorf("client.requests_per_second must not be negative")
	}
	return nil
}

// Registry builds the node registry from the configured nodes.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Nodes)
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
