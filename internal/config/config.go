package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Artifact ArtifactConfig `yaml:"artifact" envconfig:"ARTIFACT"`
	Limits   LimitsConfig   `yaml:"limits" envconfig:"LIMITS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	// No explicit envconfig names on single-word fields: a tag name also
	// binds as an unprefixed alternate key, so tagging Port would let a
	// bare $PORT override KEYGATE_SERVER_PORT.
	Port            int           `yaml:"port" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" default:"info"`
	Output   string `yaml:"output" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keygate.log"`
}

// DatabaseConfig contains persistence configuration
type DatabaseConfig struct {
	// An envconfig:"PATH" tag here would read the OS $PATH as a fallback;
	// the field name alone binds KEYGATE_DATABASE_PATH and nothing else.
	Path string `yaml:"path" default:"data/keygate.db"`
}

// ArtifactConfig describes the protected artifact and the URL signer
type ArtifactConfig struct {
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL" default:"https://artifacts.keygate.local"`
	FileName      string        `yaml:"file_name" envconfig:"FILE_NAME" default:"keygate-client.zip"`
	SigningSecret string        `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	URLTTL        time.Duration `yaml:"url_ttl" envconfig:"URL_TTL" default:"1h"`
}

// LimitsConfig contains business rate limit and policy windows
type LimitsConfig struct {
	TokenTTL         time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"1h"`
	TokenRequestGap  time.Duration `yaml:"token_request_gap" envconfig:"TOKEN_REQUEST_GAP" default:"24h"`
	RequestsPerSec   float64       `yaml:"requests_per_sec" envconfig:"REQUESTS_PER_SEC" default:"100"`
	RequestBurst     int           `yaml:"request_burst" envconfig:"REQUEST_BURST" default:"50"`
	StorageRetries   int           `yaml:"storage_retries" envconfig:"STORAGE_RETRIES" default:"3"`
	StorageRetryWait time.Duration `yaml:"storage_retry_wait" envconfig:"STORAGE_RETRY_WAIT" default:"200ms"`
}

// Load loads configuration from environment variables and an optional
// YAML file pointed at by KEYGATE_CONFIG.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := os.Getenv("KEYGATE_CONFIG"); configFile != "" {
		if err := applyFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyFile overlays a YAML file onto an already-populated config. Keys
// absent from the file keep their env or default values, so a partial
// file tweaks only what it names.
func applyFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Limits.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive, got %s", c.Limits.TokenTTL)
	}
	if c.Limits.TokenRequestGap <= 0 {
		return fmt.Errorf("token request gap must be positive, got %s", c.Limits.TokenRequestGap)
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %q", c.Logging.Output)
	}
	return nil
}
