// Package config loads service configuration from a YAML file and the
// environment. Precedence, lowest to highest: built-in defaults, the config
// file, environment variables prefixed with DRIFTPAD_ (dots become
// underscores, so persist.debounceMs is DRIFTPAD_PERSIST_DEBOUNCEMS).
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "DRIFTPAD"

// ServerConfig is the bind address and public identity of the service.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	BaseURL           string `mapstructure:"baseUrl"`
	ShutdownTimeoutMs int    `mapstructure:"shutdownTimeoutMs"`
}

// ShutdownTimeout bounds the drain at shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// PersistConfig tunes the snapshot flush pipeline.
type PersistConfig struct {
	DebounceMs     int `mapstructure:"debounceMs"`
	RetryMax       int `mapstructure:"retryMax"`
	RetryBackoffMs int `mapstructure:"retryBackoffMs"`
}

// Debounce is the quiet period before a dirty replica is flushed.
func (c PersistConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// RetryBackoff is the base delay between failed flush attempts.
func (c PersistConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// AwarenessConfig tunes presence eviction.
type AwarenessConfig struct {
	TTLMs int `mapstructure:"ttlMs"`
}

// TTL is the staleness threshold for presence records.
func (c AwarenessConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// SessionConfig tunes the per-connection handshake.
type SessionConfig struct {
	HandshakeTimeoutMs int `mapstructure:"handshakeTimeoutMs"`
}

// HandshakeTimeout bounds how long a connection may stay unsynced.
func (c SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// TransportConfig tunes the websocket transport.
type TransportConfig struct {
	PongTimeoutMs        int   `mapstructure:"pongTimeoutMs"`
	PingIntervalMs       int   `mapstructure:"pingIntervalMs"`
	OutboundBufferFrames int   `mapstructure:"outboundBufferFrames"`
	MaxFrameBytes        int64 `mapstructure:"maxFrameBytes"`
}

// PongTimeout is the liveness deadline for client pongs.
func (c TransportConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutMs) * time.Millisecond
}

// PingInterval is the server ping cadence.
func (c TransportConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// HTTPConfig tunes the JSON surface.
type HTTPConfig struct {
	BodyLimitBytes int64 `mapstructure:"bodyLimitBytes"`
	RateLimitRPM   int   `mapstructure:"rateLimitRpm"`
}

// CORSConfig lists origins allowed to call the API cross-origin.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// StoreConfig selects and tunes the document store. An empty DSN selects
// the in-memory store.
type StoreConfig struct {
	DSN               string `mapstructure:"dsn"`
	MaxOpenConns      int    `mapstructure:"maxOpenConns"`
	MaxIdleConns      int    `mapstructure:"maxIdleConns"`
	ConnMaxLifetimeMs int    `mapstructure:"connMaxLifetimeMs"`
}

// ConnMaxLifetime bounds how long a pooled connection is reused.
func (c StoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMs) * time.Millisecond
}

// CacheConfig selects and tunes the read cache. An empty RedisURL selects
// the in-process cache.
type CacheConfig struct {
	RedisURL string `mapstructure:"redisUrl"`
	TTLMs    int    `mapstructure:"ttlMs"`
}

// TTL bounds read-cache staleness.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Awareness AwarenessConfig `mapstructure:"awareness"`
	Session   SessionConfig   `mapstructure:"session"`
	Transport TransportConfig `mapstructure:"transport"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.baseUrl", "http://localhost:8080")
	v.SetDefault("server.shutdownTimeoutMs", 10000)

	v.SetDefault("persist.debounceMs", 1000)
	v.SetDefault("persist.retryMax", 3)
	v.SetDefault("persist.retryBackoffMs", 250)

	v.SetDefault("awareness.ttlMs", 30000)
	v.SetDefault("session.handshakeTimeoutMs", 10000)

	v.SetDefault("transport.pongTimeoutMs", 60000)
	v.SetDefault("transport.pingIntervalMs", 25000)
	v.SetDefault("transport.outboundBufferFrames", 256)
	v.SetDefault("transport.maxFrameBytes", 1<<20)

	v.SetDefault("http.bodyLimitBytes", 2<<20)
	v.SetDefault("http.rateLimitRpm", 600)

	v.SetDefault("cors.allowedOrigins", []string{"*"})

	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxOpenConns", 25)
	v.SetDefault("store.maxIdleConns", 5)
	v.SetDefault("store.connMaxLifetimeMs", 300000)

	v.SetDefault("cache.redisUrl", "")
	v.SetDefault("cache.ttlMs", 30000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration. With an empty path the file is discovered in
// ., ./configs and /etc/driftpad; a missing file is fine there, every key
// has a default. An explicit path must exist.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/driftpad")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, errors.Wrap(err, "read config file")
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeoutMs < 1 {
		return errors.New("config: server.shutdownTimeoutMs must be positive")
	}
	if c.Persist.DebounceMs < 1 {
		return errors.New("config: persist.debounceMs must be positive")
	}
	if c.Persist.RetryMax < 0 {
		return errors.New("config: persist.retryMax must not be negative")
	}
	if c.Awareness.TTLMs < 1 {
		return errors.New("config: awareness.ttlMs must be positive")
	}
	if c.Session.HandshakeTimeoutMs < 1 {
		return errors.New("config: session.handshakeTimeoutMs must be positive")
	}
	if c.Transport.PongTimeoutMs < 1 || c.Transport.PingIntervalMs < 1 {
		return errors.New("config: transport heartbeat intervals must be positive")
	}
	if c.Transport.PongTimeoutMs <= c.Transport.PingIntervalMs {
		return errors.New("config: transport.pongTimeoutMs must exceed transport.pingIntervalMs")
	}
	if c.Transport.OutboundBufferFrames < 1 {
		return errors.New("config: transport.outboundBufferFrames must be positive")
	}
	if c.HTTP.BodyLimitBytes < 1 {
		return errors.New("config: http.bodyLimitBytes must be positive")
	}
	if c.Cache.TTLMs < 1 {
		return errors.New("config: cache.ttlMs must be positive")
	}
	return nil
}
