package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/adgen/internal/common"
	"github.com/jo-hoe/adgen/internal/pipeline"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Backend   BackendSettings     `yaml:"backend"`
	Transport TransportSettings   `yaml:"transport"`
	Storage   StorageSettings     `yaml:"storage"`
	Log       LogSettings         `yaml:"log"`
	Catalogue []pipeline.StepInfo `yaml:"catalogue"` // optional label/icon overrides
}

// BackendSettings points the client at the ad generation backend.
type BackendSettings struct {
	BaseURL string        `yaml:"baseUrl"` // e.g. http://localhost:8000
	Token   string        `yaml:"token"`   // bearer token; supports env expansion
	Timeout time.Duration `yaml:"timeout"` // per request
}

// TransportSettings configures how job progress is received.
type TransportSettings struct {
	Mode           string          `yaml:"mode"` // push|poll
	PollInterval   time.Duration   `yaml:"pollInterval"`
	StallTimeout   time.Duration   `yaml:"stallTimeout"`
	Reconnect      ReconnectPolicy `yaml:"reconnect"`
	MaxMessageSize ByteSize        `yaml:"maxMessageSize"`
}

// ReconnectPolicy is the exponential backoff applied by callers that
// reconnect a lost channel.
type ReconnectPolicy struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxElapsedTime  time.Duration `yaml:"maxElapsedTime"`
}

// StorageSettings locates the local job history.
type StorageSettings struct {
	DatabasePath string `yaml:"databasePath"`
}

// LogSettings controls the process logger.
type LogSettings struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var ADGEN_CONFIG, then default to "config.yaml".
// A missing default file yields the defaults; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if env := os.Getenv(common.EnvConfigPath); env != "" {
			path = env
		} else {
			path = common.DefaultConfigFile
			explicit = false
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			data = nil
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying env expansion, defaults and validation.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StepCatalogue returns the default catalogue with configured overrides applied.
func (c *Config) StepCatalogue() pipeline.Catalogue {
	return pipeline.DefaultCatalogue().Merge(c.Catalogue)
}

// SlogLevel maps Log.Level onto a slog level. Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyDefaults(cfg *Config) {
	// Backend defaults
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		cfg.Backend.BaseURL = common.DefaultBackendURL
	}
	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 180 * time.Second
	}

	// Transport defaults
	if strings.TrimSpace(cfg.Transport.Mode) == "" {
		cfg.Transport.Mode = common.TransportPush
	}
	cfg.Transport.Mode = strings.ToLower(strings.TrimSpace(cfg.Transport.Mode))
	if cfg.Transport.PollInterval == 0 {
		cfg.Transport.PollInterval = 2 * time.Second
	}
	if cfg.Transport.StallTimeout == 0 {
		// two missed keepalive periods of the backend
		cfg.Transport.StallTimeout = 60 * time.Second
	}
	if cfg.Transport.Reconnect.InitialInterval == 0 {
		cfg.Transport.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Transport.Reconnect.MaxInterval == 0 {
		cfg.Transport.Reconnect.MaxInterval = 10 * time.Second
	}
	if cfg.Transport.Reconnect.MaxElapsedTime == 0 {
		cfg.Transport.Reconnect.MaxElapsedTime = 2 * time.Minute
	}
	if cfg.Transport.MaxMessageSize == 0 {
		cfg.Transport.MaxMessageSize = ByteSize(common.DefaultMaxMessageSize)
	}

	// Storage defaults
	if strings.TrimSpace(cfg.Storage.DatabasePath) == "" {
		cfg.Storage.DatabasePath = common.DefaultDatabaseFile
	}

	// Default log level
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.baseUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.baseUrl must use http or https, got %q", cfg.Backend.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.baseUrl has no host: %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout < 0 {
		return errors.New("backend.timeout must not be negative")
	}

	switch cfg.Transport.Mode {
	case common.TransportPush, common.TransportPoll:
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", common.TransportPush, common.TransportPoll, cfg.Transport.Mode)
	}
	if cfg.Transport.PollInterval < 0 {
		return errors.New("transport.pollInterval must not be negative")
	}
	if cfg.Transport.StallTimeout < 0 {
		return errors.New("transport.stallTimeout must not be negative")
	}
	r := cfg.Transport.Reconnect
	if r.InitialInterval < 0 || r.MaxInterval < 0 || r.MaxElapsedTime < 0 {
		return errors.New("transport.reconnect intervals must not be negative")
	}
	if r.MaxInterval < r.InitialInterval {
		return fmt.Errorf("transport.reconnect.maxInterval (%s) is below initialInterval (%s)", r.MaxInterval, r.InitialInterval)
	}

	for _, step := range cfg.Catalogue {
		if !pipeline.DefaultCatalogue().Contains(step.Key) {
			return fmt.Errorf("catalogue: unknown step %q", step.Key)
		}
	}
	return nil
}
