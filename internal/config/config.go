package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all karmagraph configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Vector      VectorConfig      `yaml:"vector"`
	Encoder     EncoderConfig     `yaml:"encoder"`
	Calibrator  CalibratorConfig  `yaml:"calibrator"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	LLM         LLMConfig         `yaml:"llm"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty: store.DefaultDBPath()
}

type VectorConfig struct {
	Dimensions int    `yaml:"dimensions"`
	Seed       uint64 `yaml:"seed"`
}

type EncoderConfig struct {
	Hops             int `yaml:"hops"`
	PatternThreshold int `yaml:"pattern_threshold"`
}

type CalibratorConfig struct {
	LambdaBase           float64 `yaml:"lambda_base"` // per day
	AccessDamping        float64 `yaml:"access_damping"`
	Bonus                float64 `yaml:"bonus"`
	Alpha                float64 `yaml:"alpha"`
	PruneThreshold       float64 `yaml:"prune_threshold"`
	ConsolidateThreshold float64 `yaml:"consolidate_threshold"`
	HistoryLimit         int     `yaml:"history_limit"`
	SuccessNudge         float64 `yaml:"success_nudge"`
	FailureNudge         float64 `yaml:"failure_nudge"`
}

type StreamingConfig struct {
	BufferCapacity int    `yaml:"buffer_capacity"`
	Tables         int    `yaml:"tables"`
	BitsPerKey     int    `yaml:"bits_per_key"`
	Seed           uint64 `yaml:"seed"`
}

type MaintenanceConfig struct {
	// Interval between flush and calibration cycles under `serve`. Zero
	// disables the timer.
	Interval time.Duration `yaml:"interval"`
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "ollama", "anthropic", "none"
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	AnthropicKey string `yaml:"anthropic_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Vector: VectorConfig{
			Dimensions: 10000,
			Seed:       42,
		},
		Encoder: EncoderConfig{
			Hops:             2,
			PatternThreshold: 2,
		},
		Calibrator: CalibratorConfig{
			LambdaBase:           0.1,
			AccessDamping:        0.1,
			Bonus:                0.1,
			Alpha:                0.5,
			PruneThreshold:       0.05,
			ConsolidateThreshold: 0.95,
			HistoryLimit:         50,
			SuccessNudge:         0.05,
			FailureNudge:         0.02,
		},
		Streaming: StreamingConfig{
			BufferCapacity: 1000,
			Tables:         32,
			BitsPerKey:     4,
			Seed:           42,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Hour,
		},
		LLM: LLMConfig{
			Provider:  "none",
			OllamaURL: "http://localhost:11434",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns ~/.karmagraph/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".karmagraph", "config.yaml")
}

// Load overlays the YAML file at path on Default() and applies environment
// overrides (KARMAGRAPH_DB, ANTHROPIC_API_KEY). An empty path reads
// DefaultPath() if it exists; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if p := os.Getenv("KARMAGRAPH_DB"); p != "" {
		cfg.Database.Path = p
	}
	if cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that no component validates on its own.
// Model parameters are checked by the components that own them.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Vector.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("vector.dimensions must be positive, got %d", c.Vector.Dimensions))
	}
	if c.Encoder.Hops < 0 {
		errs = append(errs, fmt.Errorf("encoder.hops must not be negative, got %d", c.Encoder.Hops))
	}
	if c.Maintenance.Interval < 0 {
		errs = append(errs, fmt.Errorf("maintenance.interval must not be negative, got %s", c.Maintenance.Interval))
	}
	switch c.LLM.Provider {
	case "", "none", "ollama", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Logger builds the slog logger described by the log section.
func (c LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log.level %q", s)
}
