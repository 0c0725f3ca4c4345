// Package config loads server configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gitpond/lfs-server/internal/module/auth"
	"github.com/gitpond/lfs-server/internal/module/auth/github"
	"github.com/gitpond/lfs-server/internal/module/storage"
	"github.com/gitpond/lfs-server/internal/module/transfer"
)

// Storage backend names.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendAzure = "azure"
	BackendGCS   = "gcs"
)

// Anonymous access modes.
const (
	AnonymousDisabled  = "disabled"
	AnonymousReadOnly  = "read-only"
	AnonymousReadWrite = "read-write"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// BaseURL is the externally visible URL clients reach the server at,
	// embedded into transfer action hrefs.
	BaseURL string `mapstructure:"base_url"`

	// LegacyEndpoints also serves the batch API without the
	// .git/info/lfs prefix.
	LegacyEndpoints bool `mapstructure:"legacy_endpoints"`
}

// AuthConfig holds the authenticator chain configuration. Enabled
// authenticators are tried in order: JWT, GitHub, then anonymous fallback.
type AuthConfig struct {
	JWT       *auth.JWTConfig `mapstructure:"jwt"`
	GitHub    *github.Config  `mapstructure:"github"`
	Anonymous string          `mapstructure:"anonymous"`
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend string              `mapstructure:"backend"`
	Local   storage.LocalConfig `mapstructure:"local"`
	S3      storage.S3Config    `mapstructure:"s3"`
	Azure   storage.AzureConfig `mapstructure:"azure"`
	GCS     storage.GCSConfig   `mapstructure:"gcs"`
}

// TransferConfig tunes the transfer adapters.
type TransferConfig struct {
	ActionLifetime    time.Duration `mapstructure:"action_lifetime"`
	MultipartLifetime time.Duration `mapstructure:"multipart_lifetime"`
	MaxPartSize       int64         `mapstructure:"max_part_size"`

	// EnableMultipart registers the multipart-basic adapter for backends
	// that support chunked uploads.
	EnableMultipart bool `mapstructure:"enable_multipart"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/lfs-server")
	if path := os.Getenv("GITLFS_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("GITLFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if secret := os.Getenv("GITLFS_JWT_KEY"); secret != "" && cfg.Auth.JWT != nil {
		cfg.Auth.JWT.PrivateKey = secret
	}
	if key := os.Getenv("GITLFS_S3_SECRET_KEY"); key != "" {
		cfg.Storage.S3.SecretAccessKey = key
	}
	if key := os.Getenv("GITLFS_AZURE_ACCOUNT_KEY"); key != "" {
		cfg.Storage.Azure.AccountKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendLocal, BackendS3, BackendAzure, BackendGCS:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Auth.Anonymous {
	case AnonymousDisabled, AnonymousReadOnly, AnonymousReadWrite:
	default:
		return fmt.Errorf("unknown anonymous access mode %q", c.Auth.Anonymous)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.legacy_endpoints", false)

	v.SetDefault("auth.anonymous", AnonymousDisabled)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.path", storage.DefaultLocalPath)

	v.SetDefault("transfer.action_lifetime", transfer.DefaultActionLifetime)
	v.SetDefault("transfer.multipart_lifetime", transfer.DefaultMultipartLifetime)
	v.SetDefault("transfer.max_part_size", int64(transfer.DefaultMaxPartSize))
	v.SetDefault("transfer.enable_multipart", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
