package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" json:"logging"`
	Collector CollectorConfig `yaml:"collector" toml:"collector" json:"collector"`
	Strategy  StrategyConfig  `yaml:"strategy" toml:"strategy" json:"strategy"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage" json:"storage"`
	Daemon    DaemonConfig    `yaml:"daemon" toml:"daemon" json:"daemon"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" toml:"level" json:"level"`
	Pretty   bool   `yaml:"pretty" toml:"pretty" json:"pretty"`
	Service  string `yaml:"service" toml:"service" json:"service"`
	Instance string `yaml:"instance" toml:"instance" json:"instance"`
	SampleN  uint32 `yaml:"sample_n" toml:"sample_n" json:"sample_n"`
}

// CollectorConfig covers delivery to the remote log collector.
type CollectorConfig struct {
	// Endpoints are tried in order; a failed one hands over to the next.
	Endpoints        []string `yaml:"endpoints" toml:"endpoints" json:"endpoints"`
	Path             string   `yaml:"path" toml:"path" json:"path"`
	Encoding         string   `yaml:"encoding" toml:"encoding" json:"encoding"`
	Compression      string   `yaml:"compression" toml:"compression" json:"compression"`
	EndpointID       string   `yaml:"endpoint_id" toml:"endpoint_id" json:"endpoint_id"`
	RequestTimeout   Duration `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`
	MaxRetries       int      `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	RetryBackoff     Duration `yaml:"retry_backoff" toml:"retry_backoff" json:"retry_backoff"`
	UploadCheckDelay Duration `yaml:"upload_check_delay" toml:"upload_check_delay" json:"upload_check_delay"`
	CallbackWorkers  int      `yaml:"callback_workers" toml:"callback_workers" json:"callback_workers"`
	CallbackQueue    int      `yaml:"callback_queue" toml:"callback_queue" json:"callback_queue"`
}

type StrategyConfig struct {
	// Kind is "eager" or "threshold".
	Kind            string   `yaml:"kind" toml:"kind" json:"kind"`
	BatchSizeBytes  int64    `yaml:"batch_size_bytes" toml:"batch_size_bytes" json:"batch_size_bytes"`
	Timeout         Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	RetryDelay      Duration `yaml:"retry_delay" toml:"retry_delay" json:"retry_delay"`
	VolumeThreshold int64    `yaml:"volume_threshold" toml:"volume_threshold" json:"volume_threshold"`
	CountThreshold  int64    `yaml:"count_threshold" toml:"count_threshold" json:"count_threshold"`
	// MaxRecordAge applies to threshold only; zero disables it.
	MaxRecordAge    Duration `yaml:"max_record_age" toml:"max_record_age" json:"max_record_age"`
}

type StorageConfig struct {
	// Kind is "memory" or "sqlite".
	Kind           string `yaml:"kind" toml:"kind" json:"kind"`
	Path           string `yaml:"path" toml:"path" json:"path"`
	MaxVolumeBytes int64  `yaml:"max_volume_bytes" toml:"max_volume_bytes" json:"max_volume_bytes"`
}

type DaemonConfig struct {
	LogRootPath        string   `yaml:"log_root_path" toml:"log_root_path" json:"log_root_path"`
	NodeName           string   `yaml:"node_name" toml:"node_name" json:"node_name"`
	ScanInterval       Duration `yaml:"scan_interval" toml:"scan_interval" json:"scan_interval"`
	MinWorkers         int      `yaml:"min_workers" toml:"min_workers" json:"min_workers"`
	MaxWorkers         int      `yaml:"max_workers" toml:"max_workers" json:"max_workers"`
	QueueSize          int      `yaml:"queue_size" toml:"queue_size" json:"queue_size"`
	ScaleUpThreshold   float64  `yaml:"scale_up_threshold" toml:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold float64  `yaml:"scale_down_threshold" toml:"scale_down_threshold" json:"scale_down_threshold"`
	ScaleCheckInterval Duration `yaml:"scale_check_interval" toml:"scale_check_interval" json:"scale_check_interval"`
	FileIdleTimeout    Duration `yaml:"file_idle_timeout" toml:"file_idle_timeout" json:"file_idle_timeout"`
}

// Duration wraps time.Duration so config files can use "5s" style strings.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:   "info",
			Service: "k8s-logging-agent",
		},
		Collector: CollectorConfig{
			Endpoints:        []string{"http://log-collector:8080"},
			Path:             "/v1/logs/sync",
			Encoding:         "cbor",
			Compression:      "zstd",
			RequestTimeout:   Duration(5 * time.Second),
			MaxRetries:       3,
			RetryBackoff:     Duration(time.Second),
			UploadCheckDelay: Duration(60 * time.Second),
			CallbackWorkers:  2,
			CallbackQueue:    64,
		},
		Strategy: StrategyConfig{
			Kind:            "eager",
			BatchSizeBytes:  8 * 1024,
			Timeout:         Duration(120 * time.Second),
			RetryDelay:      Duration(5 * time.Minute),
			VolumeThreshold: 32 * 1024,
			CountThreshold:  64,
			MaxRecordAge:    Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Kind:           "memory",
			Path:           "/var/lib/k8s-logging-agent/logs.db",
			MaxVolumeBytes: 1024 * 1024,
		},
		Daemon: DaemonConfig{
			LogRootPath:        "/var/log/pods",
			NodeName:           "unknown",
			ScanInterval:       Duration(30 * time.Second),
			MinWorkers:         2,
			MaxWorkers:         10,
			QueueSize:          50,
			ScaleUpThreshold:   0.9,
			ScaleDownThreshold: 0.3,
			ScaleCheckInterval: Duration(15 * time.Second),
			FileIdleTimeout:    Duration(5 * time.Minute),
		},
	}
}

// Load starts from defaults, applies the config file at path if path is not
// empty, then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := parser(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parserFor(path string) (func([]byte, *Config) error, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML, nil
	case ".toml":
		return parseTOML, nil
	case ".json":
		return parseJSON, nil
	default:
		return nil, fmt.Errorf("%w: unsupported config file extension %q", logging.ErrInvalidConfig, filepath.Ext(path))
	}
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{logging.ErrInvalidConfig}, args...)...))
	}

	if len(c.Collector.Endpoints) == 0 {
		invalid("collector.endpoints must not be empty")
	}
	for _, endpoint := range c.Collector.Endpoints {
		if endpoint == "" {
			invalid("collector.endpoints contains an empty url")
		}
	}
	switch c.Collector.Encoding {
	case "cbor", "json":
	default:
		invalid("collector.encoding must be cbor or json, got %q", c.Collector.Encoding)
	}
	switch c.Collector.Compression {
	case "none", "gzip", "zstd", "lz4":
	default:
		invalid("collector.compression must be none, gzip, zstd or lz4, got %q", c.Collector.Compression)
	}

	switch c.Strategy.Kind {
	case "eager", "threshold":
	default:
		invalid("strategy.kind must be eager or threshold, got %q", c.Strategy.Kind)
	}
	if c.Strategy.BatchSizeBytes <= 0 {
		invalid("strategy.batch_size_bytes must be positive")
	}
	if c.Strategy.Timeout <= 0 {
		invalid("strategy.timeout must be positive")
	}
	if c.Strategy.MaxRecordAge < 0 {
		invalid("strategy.max_record_age must not be negative")
	}

	switch c.Storage.Kind {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			invalid("storage.path is required for sqlite storage")
		}
	default:
		invalid("storage.kind must be memory or sqlite, got %q", c.Storage.Kind)
	}
	if c.Storage.MaxVolumeBytes <= 0 {
		invalid("storage.max_volume_bytes must be positive")
	}

	if c.Daemon.MinWorkers <= 0 || c.Daemon.MaxWorkers < c.Daemon.MinWorkers {
		invalid("daemon workers must satisfy 0 < min_workers <= max_workers, got %d/%d",
			c.Daemon.MinWorkers, c.Daemon.MaxWorkers)
	}
	if c.Daemon.QueueSize <= 0 {
		invalid("daemon.queue_size must be positive")
	}
	if c.Daemon.ScanInterval <= 0 || c.Daemon.ScaleCheckInterval <= 0 {
		invalid("daemon scan and scale check intervals must be positive")
	}

	return errors.Join(errs...)
}
