// Package config loads medassist settings from a YAML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "medassist.yaml"

// DefaultSecret signs tokens when SECRET_KEY is unset. Only fit for local runs.
const DefaultSecret = "supersecretkey"

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            string   `yaml:"port"`
	UploadDir       string   `yaml:"upload_dir"`
	MaxUploadMB     int      `yaml:"max_upload_mb"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs"`
	MCPEnabled      bool     `yaml:"mcp_enabled"`
}

// QdrantConfig holds connection details for the remote index backend.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"-"`
	Prefix string `yaml:"prefix"`
}

// IndexConfig selects where the vector indexes live.
type IndexConfig struct {
	Backend string       `yaml:"backend"` // "file" or "qdrant"
	Dir     string       `yaml:"dir"`
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

// ImageEmbeddingConfig points at the CLIP embedding service.
type ImageEmbeddingConfig struct {
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	Dimension   int    `yaml:"dimension"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbeddingConfig configures text and image embedding providers.
type EmbeddingConfig struct {
	APIKey            string               `yaml:"-"`
	BaseURL           string               `yaml:"base_url"`
	TimeoutSecs       int                  `yaml:"timeout_secs"`
	BatchSize         int                  `yaml:"batch_size"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Image             ImageEmbeddingConfig `yaml:"image"`
}

// GenerationConfig tunes answer generation.
type GenerationConfig struct {
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
	TopK             int     `yaml:"top_k"`
	TimeoutSecs      int     `yaml:"timeout_secs"`
}

// StoreConfig selects the user and query log store.
type StoreConfig struct {
	Driver     string `yaml:"driver"` // "mongo" or "sqlite"
	MongoURI   string `yaml:"mongo_uri"`
	Database   string `yaml:"database"`
	SQLitePath string `yaml:"sqlite_path"`
}

// AuthConfig configures token signing.
type AuthConfig struct {
	Secret        string `yaml:"-"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

// QueryLogConfig enables the optional NATS fan-out of query log entries.
type QueryLogConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// SourceConfig names the GitHub location the fetch command mirrors.
type SourceConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	Path  string `yaml:"path"`
	Ref   string `yaml:"ref"`
}

// AppConfig is the root configuration.
type AppConfig struct {
	DataDir    string           `yaml:"data_dir"`
	Server     ServerConfig     `yaml:"server"`
	Index      IndexConfig      `yaml:"index"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	QueryLog   QueryLogConfig   `yaml:"query_log"`
	Source     SourceConfig     `yaml:"source"`
}

// Load reads path, applies defaults and then environment overrides. A
// missing file yields the defaults.
func Load(path string) (*AppConfig, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := &AppConfig{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML. Secrets are never written.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns the built-in configuration without environment overrides.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

// Validate rejects unknown backends and drivers.
func (c *AppConfig) Validate() error {
	switch c.Index.Backend {
	case "file", "qdrant":
	default:
		return fmt.Errorf("index.backend must be file or qdrant, got %q", c.Index.Backend)
	}
	switch c.Store.Driver {
	case "mongo", "sqlite":
	default:
		return fmt.Errorf("store.driver must be mongo or sqlite, got %q", c.Store.Driver)
	}
	return nil
}

// UsingDefaultSecret reports whether tokens are signed with DefaultSecret.
func (c *AppConfig) UsingDefaultSecret() bool { return c.Auth.Secret == DefaultSecret }

// Seconds converts a *_secs field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func applyDefaults(c *AppConfig) {
	setString(&c.DataDir, "data")

	setString(&c.Server.Port, "8000")
	setString(&c.Server.UploadDir, "temp")
	setInt(&c.Server.MaxUploadMB, 32)
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 5
	}
	setInt(&c.Server.RateLimitBurst, 10)
	setInt(&c.Server.ShutdownTimeout, 15)

	setString(&c.Index.Backend, "file")
	setString(&c.Index.Dir, "index")
	setString(&c.Index.Qdrant.Host, "localhost")
	setInt(&c.Index.Qdrant.Port, 6334)
	setString(&c.Index.Qdrant.Prefix, "medassist")

	setInt(&c.Embedding.TimeoutSecs, 30)
	setInt(&c.Embedding.BatchSize, 500)
	setString(&c.Embedding.Image.BaseURL, "http://localhost:8001")
	setString(&c.Embedding.Image.Model, "openai/clip-vit-base-patch32")
	setInt(&c.Embedding.Image.Dimension, 512)
	setInt(&c.Embedding.Image.TimeoutSecs, 30)

	setString(&c.Generation.Model, "gpt-4")
	setInt(&c.Generation.MaxTokens, 500)
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.3
	}
	setInt(&c.Generation.MaxContextTokens, 16000)
	setInt(&c.Generation.TopK, 3)
	setInt(&c.Generation.TimeoutSecs, 60)

	setString(&c.Store.Driver, "mongo")
	setString(&c.Store.MongoURI, "mongodb://localhost:27017")
	setString(&c.Store.Database, "medical_bot")
	setString(&c.Store.SQLitePath, "medassist.db")

	setInt(&c.Auth.TokenTTLHours, 12)

	setString(&c.QueryLog.Subject, "medassist.query_log")

	setString(&c.Source.Ref, "main")
}

func applyEnv(c *AppConfig) error {
	envString(&c.Embedding.APIKey, "OPENAI_API_KEY")
	envString(&c.Embedding.BaseURL, "OPENAI_BASE_URL")
	envString(&c.Embedding.Image.BaseURL, "CLIP_BASE_URL")
	envString(&c.Store.MongoURI, "MONGO_URI")
	envString(&c.Store.Driver, "STORE_DRIVER")
	envString(&c.Index.Backend, "INDEX_BACKEND")
	envString(&c.Index.Qdrant.Host, "QDRANT_HOST")
	envString(&c.Index.Qdrant.APIKey, "QDRANT_API_KEY")
	envString(&c.Server.Port, "PORT")
	envString(&c.QueryLog.NATSURL, "NATS_URL")
	envString(&c.DataDir, "DATA_DIR")

	c.Auth.Secret = DefaultSecret
	envString(&c.Auth.Secret, "SECRET_KEY")

	if v := os.Getenv("QDRANT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QDRANT_PORT: %w", err)
		}
		c.Index.Qdrant.Port = port
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
