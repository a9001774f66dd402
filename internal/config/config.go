// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP and websocket surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	FrontendDir string `yaml:"frontendDir"`
	NoFrontend  bool   `yaml:"noFrontend"`
}

// Addr renders the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SourceConfig selects and parameterizes the world source.
type SourceConfig struct {
	// Type is a registered source name: mock, script, or remote.
	Type         string  `yaml:"type"`
	TickInterval float64 `yaml:"tickInterval"`
	MockEntities int     `yaml:"mockEntities"`
	ScriptPath   string  `yaml:"scriptPath"`
	RemoteURL    string  `yaml:"remoteUrl"`
}

// HistoryConfig bounds the embedded history store.
type HistoryConfig struct {
	MaxTicks           int `yaml:"maxTicks"`
	CheckpointInterval int `yaml:"checkpointInterval"`
}

type queueCapacityKind int

const (
	queueCapacityUnset queueCapacityKind = iota
	queueCapacityExplicit
	queueCapacityDefault
)

const defaultQueueCapacity = 1000

// QueueCapacitySetting encapsulates the subscriber queue capacity, allowing
// both numeric and symbolic values.
type QueueCapacitySetting struct {
	kind  queueCapacityKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *QueueCapacitySetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = QueueCapacitySetting{}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = QueueCapacitySetting{}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto", "default":
		s.kind = queueCapacityDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("queueCapacity: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("queueCapacity: numeric value must be > 0")
	}
	s.kind = queueCapacityExplicit
	s.value = val
	return nil
}

func (s QueueCapacitySetting) resolve() int {
	if s.kind == queueCapacityExplicit {
		return s.value
	}
	return defaultQueueCapacity
}

// SubscriberConfig sizes per-subscriber event queues.
type SubscriberConfig struct {
	QueueCapacity QueueCapacitySetting `yaml:"queueCapacity"`
}

// Capacity returns the resolved per-subscriber queue capacity.
func (c SubscriberConfig) Capacity() int {
	return c.QueueCapacity.resolve()
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Source     SourceConfig     `yaml:"source"`
	History    HistoryConfig    `yaml:"history"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the baked-in configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Source: SourceConfig{
			Type:         "mock",
			TickInterval: 0.5,
			MockEntities: 20,
		},
		History: HistoryConfig{
			MaxTicks:           1000,
			CheckpointInterval: 100,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentecs-viz",
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. File
// values are layered over the defaults.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when a path is given, otherwise returns the
// defaults.
func LoadOrDefault(configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	return Load(configPath)
}

func (c *AppConfig) normalise() {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Server.FrontendDir = strings.TrimSpace(c.Server.FrontendDir)
	c.Source.Type = strings.ToLower(strings.TrimSpace(c.Source.Type))
	c.Source.ScriptPath = strings.TrimSpace(c.Source.ScriptPath)
	c.Source.RemoteURL = strings.TrimSpace(c.Source.RemoteURL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535")
	}
	if c.Source.Type == "" {
		return fmt.Errorf("source type required")
	}
	if c.Source.TickInterval <= 0 {
		return fmt.Errorf("source tickInterval must be > 0")
	}
	if c.Source.MockEntities < 0 {
		return fmt.Errorf("source mockEntities must be >= 0")
	}
	if c.Source.Type == "script" && c.Source.ScriptPath == "" {
		return fmt.Errorf("source scriptPath required for script sources")
	}
	if c.Source.Type == "remote" && c.Source.RemoteURL == "" {
		return fmt.Errorf("source remoteUrl required for remote sources")
	}
	if c.History.MaxTicks <= 0 {
		return fmt.Errorf("history maxTicks must be > 0")
	}
	if c.History.CheckpointInterval <= 0 {
		return fmt.Errorf("history checkpointInterval must be > 0")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required when enabled")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
