package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides; "__" separates nested keys,
// e.g. GRAPHIDE_PIPELINE__RUN_DEADLINE=5m.
const EnvPrefix = "GRAPHIDE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Storage   StorageConfig   `koanf:"storage"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Joern     JoernConfig     `koanf:"joern"`
	Neo4j     Neo4jConfig     `koanf:"neo4j"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type AuthConfig struct {
	Enabled bool           `koanf:"enabled"`
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, postgres, redis
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	// Retention is how long finished runs stay in the in-memory registry.
	Retention time.Duration `koanf:"retention"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
}

// PipelineConfig configures the analysis pipeline.
type PipelineConfig struct {
	// RunDeadline bounds a whole run; reaching it ends the run partially failed.
	RunDeadline time.Duration `koanf:"run_deadline"`
	// EnrichWait bounds how long enrichment waits for detection findings.
	EnrichWait time.Duration `koanf:"enrich_wait"`
	Apply      ApplyConfig   `koanf:"apply"`
	Retry      RetryConfig   `koanf:"retry"`
	Stages     StagesConfig  `koanf:"stages"`
}

type ApplyConfig struct {
	Enabled bool `koanf:"enabled"`
}

type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

type StagesConfig struct {
	QueryGen  StageConfig `koanf:"querygen"`
	Detect    StageConfig `koanf:"detect"`
	Enrich    StageConfig `koanf:"enrich"`
	Visualize StageConfig `koanf:"visualize"`
	Verify    StageConfig `koanf:"verify"`
	Report    StageConfig `koanf:"report"`
	Chat      StageConfig `koanf:"chat"`
}

// StageConfig selects and tunes the client behind one stage.
type StageConfig struct {
	// Type is the client kind: model, webhook, knowledge, local, treesitter, markdown.
	Type    string            `koanf:"type"`
	URL     string            `koanf:"url"`
	APIKey  string            `koanf:"api_key"`
	Model   string            `koanf:"model"`
	Headers map[string]string `koanf:"headers"`
	Timeout time.Duration     `koanf:"timeout"`
	// Rate is the sustained outbound calls per second; 0 disables pacing.
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`
	// MaxPromptTokens caps model prompts; slices are trimmed to fit.
	MaxPromptTokens int    `koanf:"max_prompt_tokens"`
	Catalog         string `koanf:"catalog"`
}

// JoernConfig locates the CPG engine.
type JoernConfig struct {
	URL      string        `koanf:"url"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	Timeout  time.Duration `koanf:"timeout"`
	// HostExchangeDir is where sources are staged on this host; the engine
	// reads them from ContainerExchangeDir.
	HostExchangeDir      string `koanf:"host_exchange_dir"`
	ContainerExchangeDir string `koanf:"container_exchange_dir"`
}

type Neo4jConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URI      string `koanf:"uri"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
}

// Stage returns the config for a stage by name.
func (s StagesConfig) Stage(name string) (StageConfig, bool) {
	switch name {
	case "querygen":
		return s.QueryGen, true
	case "detect":
		return s.Detect, true
	case "enrich":
		return s.Enrich, true
	case "visualize":
		return s.Visualize, true
	case "verify":
		return s.Verify, true
	case "report":
		return s.Report, true
	case "chat":
		return s.Chat, true
	default:
		return StageConfig{}, false
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath and environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the config file at path, then applies GRAPHIDE_ environment
// overrides and defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.substitute()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                       8000,
		"server.request_timeout":            "60s",
		"logging.level":                     "info",
		"logging.format":                    "json",
		"storage.type":                      "memory",
		"storage.sqlite.path":               "graphide.db",
		"storage.redis.addr":                "localhost:6379",
		"storage.redis.prefix":              "graphide",
		"storage.retention":                 "1h",
		"pipeline.run_deadline":             "10m",
		"pipeline.enrich_wait":              "5s",
		"pipeline.apply.enabled":            true,
		"pipeline.retry.max_attempts":       3,
		"pipeline.retry.initial_interval":   "500ms",
		"pipeline.retry.max_interval":       "5s",
		"pipeline.stages.querygen.type":     "model",
		"pipeline.stages.querygen.timeout":  "60s",
		"pipeline.stages.detect.type":       "model",
		"pipeline.stages.detect.timeout":    "120s",
		"pipeline.stages.enrich.type":       "knowledge",
		"pipeline.stages.enrich.timeout":    "10s",
		"pipeline.stages.visualize.type":    "local",
		"pipeline.stages.visualize.timeout": "15s",
		"pipeline.stages.verify.type":       "treesitter",
		"pipeline.stages.verify.timeout":    "10s",
		"pipeline.stages.report.type":       "markdown",
		"pipeline.stages.report.timeout":    "10s",
		"pipeline.stages.chat.type":         "model",
		"pipeline.stages.chat.timeout":      "60s",
		"joern.url":                         "http://localhost:8080",
		"joern.timeout":                     "120s",
		"joern.host_exchange_dir":           "/tmp/graphide_exchange",
		"joern.container_exchange_dir":      "/data/exchange",
		"neo4j.uri":                         "bolt://localhost:7687",
		"neo4j.username":                    "neo4j",
		"neo4j.database":                    "neo4j",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// substitute expands ${VAR} references in secrets and endpoints.
func (c *Config) substitute() {
	for _, st := range []*StageConfig{
		&c.Pipeline.Stages.QueryGen, &c.Pipeline.Stages.Detect, &c.Pipeline.Stages.Enrich,
		&c.Pipeline.Stages.Visualize, &c.Pipeline.Stages.Verify, &c.Pipeline.Stages.Report,
		&c.Pipeline.Stages.Chat,
	} {
		st.URL = substituteEnvVars(st.URL)
		st.APIKey = substituteEnvVars(st.APIKey)
		for k, v := range st.Headers {
			st.Headers[k] = substituteEnvVars(v)
		}
	}
	c.Joern.Password = substituteEnvVars(c.Joern.Password)
	c.Neo4j.Password = substituteEnvVars(c.Neo4j.Password)
	c.Storage.Database.DSN = substituteEnvVars(c.Storage.Database.DSN)
	c.Storage.Redis.Password = substituteEnvVars(c.Storage.Redis.Password)
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres", "redis", "none":
	default:
		return fmt.Errorf("storage.type %q is not supported", c.Storage.Type)
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry.max_attempts must be at least 1")
	}
	for _, name := range []string{"querygen", "detect", "enrich", "visualize", "verify", "report", "chat"} {
		st, _ := c.Pipeline.Stages.Stage(name)
		if st.Type == "webhook" && st.URL == "" {
			return fmt.Errorf("pipeline.stages.%s.url is required for webhook stages", name)
		}
		if st.Timeout <= 0 {
			return fmt.Errorf("pipeline.stages.%s.timeout must be positive", name)
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
