package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/florianilch/jigtrack/internal/credstore"
	"github.com/florianilch/jigtrack/internal/session"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// SecureStorageType selects the secure credential tier.
type SecureStorageType string

const (
	// SecureStorageAuto uses the OS keyring when a probe succeeds.
	SecureStorageAuto    SecureStorageType = "auto"
	SecureStorageKeyring SecureStorageType = "keyring"
	SecureStorageNone    SecureStorageType = "none"
)

// PlainStorageType selects the plain credential tier.
type PlainStorageType string

const (
	PlainStorageFile  PlainStorageType = "file"
	PlainStorageRedis PlainStorageType = "redis"
)

// Default configuration values
const (
	DefaultConfigLogFormat        = LogFormatText
	DefaultConfigServerHost       = "127.0.0.1"
	DefaultConfigServerPort       = 4100
	DefaultConfigShutdownTimeout  = 5 * time.Second
	DefaultConfigAPIBaseURL       = "http://localhost:3000"
	DefaultConfigAPITimeout       = 30 * time.Second
	DefaultConfigAPIRefreshPath   = "/auth/refresh"
	DefaultConfigProxyHeader      = "ngrok-skip-browser-warning"
	DefaultConfigProxyHeaderValue = "true"
	DefaultConfigSecureStorage    = SecureStorageAuto
	DefaultConfigPlainStorage     = PlainStorageFile
	DefaultConfigKeyringService   = "jigtrack"
	DefaultConfigRedisPrefix      = "jigtrack:"
	DefaultConfigRefreshTimeout   = 45 * time.Second
)

// redisPingTimeout bounds the connectivity check when opening the Redis tier.
const redisPingTimeout = 5 * time.Second

// ServerConfig holds gateway server configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// APIConfig describes the jig-tracking API.
type APIConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`

	// Timeout bounds each attempt of a request.
	Timeout     time.Duration `json:"timeout" validate:"gte=0"`
	LoginPath   string        `json:"login_path" validate:"startswith=/"`
	RefreshPath string        `json:"refresh_path" validate:"startswith=/"`

	// ProxyHeader is sent with every request so tunnelling proxies pass
	// API calls through instead of answering with an HTML interstitial.
	ProxyHeader      string `json:"proxy_header"`
	ProxyHeaderValue string `json:"proxy_header_value"`
}

// RedisConfig holds the plain Redis tier connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
	Prefix   string `json:"prefix"`
}

// StorageConfig describes the credential store tiers.
type StorageConfig struct {
	Secure SecureStorageType `json:"secure" validate:"oneof=auto keyring none"`
	Plain  PlainStorageType  `json:"plain" validate:"oneof=file redis"`

	File           string      `json:"file"`
	KeyringService string      `json:"keyring_service"`
	Redis          RedisConfig `json:"redis"`

	// EnvPrefix enables a read-only tier of <prefix><KEY> variables when set.
	EnvPrefix string `json:"env_prefix"`

	// LegacyMirror copies writes to the keys older station builds read.
	LegacyMirror *bool `json:"legacy_mirror"`
}

// AuthConfig holds refresh coordination settings.
type AuthConfig struct {
	RefreshTimeout          time.Duration `json:"refresh_timeout" validate:"gte=0"`
	PurgeOnTransportFailure *bool         `json:"purge_on_transport_failure"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level `json:"log_level"`
	LogFormat   LogFormat  `json:"log_format" validate:"oneof=text json"`
	LogExporter string     `json:"log_exporter" validate:"omitempty,oneof=stdout otlp-grpc otlp-http"`

	API      APIConfig      `json:"api"`
	Storage  StorageConfig  `json:"storage"`
	Auth     AuthConfig     `json:"auth"`
	Server   ServerConfig   `json:"server"`
	Shutdown ShutdownConfig `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.API.LoginPath == "" {
		c.API.LoginPath = session.DefaultLoginPath
	}
	if c.API.RefreshPath == "" {
		c.API.RefreshPath = DefaultConfigAPIRefreshPath
	}
	if c.API.ProxyHeader == "" {
		c.API.ProxyHeader = DefaultConfigProxyHeader
		if c.API.ProxyHeaderValue == "" {
			c.API.ProxyHeaderValue = DefaultConfigProxyHeaderValue
		}
	}

	if c.Storage.Secure == "" {
		c.Storage.Secure = DefaultConfigSecureStorage
	}
	if c.Storage.Plain == "" {
		c.Storage.Plain = DefaultConfigPlainStorage
	}
	if c.Storage.KeyringService == "" {
		c.Storage.KeyringService = DefaultConfigKeyringService
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = DefaultConfigRedisPrefix
	}
	if c.Storage.LegacyMirror == nil {
		c.Storage.LegacyMirror = ptr(true)
	}

	if c.Auth.RefreshTimeout == 0 {
		c.Auth.RefreshTimeout = DefaultConfigRefreshTimeout
	}
	if c.Auth.PurgeOnTransportFailure == nil {
		c.Auth.PurgeOnTransportFailure = ptr(true)
	}

	// Dynamic defaults based on storage type
	if c.Storage.Plain == PlainStorageFile && c.Storage.File == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
		}
		c.Storage.File = filepath.Join(configDir, "jigtrack", "credentials.json")
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Plain {
	case PlainStorageFile:
		if c.Storage.File == "" {
			return errors.New("storage.file required for file storage")
		}
	case PlainStorageRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr required for redis storage")
		}
	}

	if c.Storage.LegacyMirror == nil || c.Auth.PurgeOnTransportFailure == nil {
		return errors.New("defaults not applied")
	}

	return nil
}

// storage holds the opened credential tiers.
type storage struct {
	store  *credstore.Store
	closer func() error
}

// openStorage builds the tiered credential store: the secure tier (when
// available) first, then the plain tier, then the optional env tier. The
// plain tier also holds the legacy mirror keys.
func (s StorageConfig) openStorage(logger *slog.Logger) (*storage, error) {
	var (
		tiers  []credstore.Backend
		closer = func() error { return nil }
	)

	useKeyring := false
	switch s.Secure {
	case SecureStorageKeyring:
		if err := credstore.KeyringAvailable(s.KeyringService); err != nil {
			return nil, fmt.Errorf("keyring storage requested but unavailable: %w", err)
		}
		useKeyring = true
	case SecureStorageAuto:
		if err := credstore.KeyringAvailable(s.KeyringService); err != nil {
			logger.Warn("OS keyring unavailable, credentials stay in plain storage", "error", err)
		} else {
			useKeyring = true
		}
	case SecureStorageNone:
	}
	if useKeyring {
		keyringBackend, err := credstore.NewKeyringBackend(s.KeyringService)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, keyringBackend)
	}

	var plain credstore.Backend
	switch s.Plain {
	case PlainStorageFile:
		fileBackend, err := credstore.NewFileBackend(s.File)
		if err != nil {
			return nil, err
		}
		plain = fileBackend
	case PlainStorageRedis:
		redisBackend, err := credstore.NewRedisBackend(redis.NewClient(&redis.Options{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		}), s.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := redisBackend.Ping(ctx); err != nil {
			_ = redisBackend.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", s.Redis.Addr, err)
		}
		plain = redisBackend
		closer = redisBackend.Close
	default:
		return nil, fmt.Errorf("unsupported plain storage type: %s", s.Plain)
	}
	tiers = append(tiers, plain)

	if s.EnvPrefix != "" {
		envBackend, err := credstore.NewEnvBackend(s.EnvPrefix)
		if err != nil {
			_ = closer()
			return nil, err
		}
		tiers = append(tiers, envBackend)
	}

	store, err := credstore.NewStore(tiers,
		credstore.WithLegacy(plain, credstore.DefaultMirrors),
		credstore.WithMirrorWrites(*s.LegacyMirror),
		credstore.WithLogger(logger),
	)
	if err != nil {
		_ = closer()
		return nil, err
	}

	return &storage{store: store, closer: closer}, nil
}

func ptr[T any](v T) *T { return &v }
