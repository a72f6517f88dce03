// Package config loads docswarm settings from an optional file, DOCSWARM_*
// environment variables and defaults, in that order of precedence from
// last to first.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drpcorg/docswarm"
	"github.com/drpcorg/docswarm/logstore"
	"github.com/drpcorg/docswarm/utils"
	"github.com/spf13/viper"
)

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Network NetworkConfig `mapstructure:"network"`
	Engine  EngineConfig  `mapstructure:"engine"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	CacheSize int    `mapstructure:"cache_size"`
}

type NetworkConfig struct {
	// Port is used for the default listener when Listen is empty; 0 picks
	// an ephemeral port and a negative value disables listening.
	Port         int           `mapstructure:"port"`
	Listen       []string      `mapstructure:"listen"`
	Connect      []string      `mapstructure:"connect"`
	MDNS         bool          `mapstructure:"mdns"`
	TLS          TLSConfig     `mapstructure:"tls"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

type EngineConfig struct {
	ImmutableAPI    bool           `mapstructure:"immutable_api"`
	DefaultMetadata map[string]any `mapstructure:"default_metadata"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads path if it is not empty. Environment variables use the
// DOCSWARM_ prefix with dots turned into underscores, so
// DOCSWARM_STORAGE_BACKEND sets storage.backend.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("docswarm")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.cache_size", 256)
	v.SetDefault("network.port", 0)
	v.SetDefault("network.listen", []string{})
	v.SetDefault("network.connect", []string{})
	v.SetDefault("network.mdns", false)
	v.SetDefault("network.tls.cert", "")
	v.SetDefault("network.tls.key", "")
	v.SetDefault("network.tls.ca", "")
	v.SetDefault("network.write_timeout", 30*time.Second)
	v.SetDefault("engine.immutable_api", false)
	v.SetDefault("http.addr", "")
	v.SetDefault("log.level", "info")
}

var ErrInvalid = errors.New("config: invalid")

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "pebble", "bolt", "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for the %s backend", ErrInvalid, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, c.Storage.Backend)
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("%w: storage.cache_size is negative", ErrInvalid)
	}
	if c.Network.Port > 65535 {
		return fmt.Errorf("%w: network.port %d out of range", ErrInvalid, c.Network.Port)
	}
	if (c.Network.TLS.Cert == "") != (c.Network.TLS.Key == "") {
		return fmt.Errorf("%w: network.tls.cert and network.tls.key go together", ErrInvalid)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

func (c Config) Logger() utils.Logger {
	return utils.NewDefaultLogger(c.LogLevel())
}

func (c Config) LogLevel() slog.Level {
	return utils.ParseLevel(c.Log.Level)
}

// OpenStorage opens the configured backend.
func (c Config) OpenStorage() (logstore.Storage, error) {
	var st logstore.Storage
	var err error
	switch c.Storage.Backend {
	case "pebble":
		st, err = openOrNil(logstore.OpenPebbleStorage(c.Storage.Path, nil))
	case "bolt":
		if err = os.MkdirAll(filepath.Dir(c.Storage.Path), 0o755); err == nil {
			st, err = openOrNil(logstore.OpenBoltStorage(c.Storage.Path))
		}
	case "file":
		st, err = openOrNil(logstore.OpenFileStorage(c.Storage.Path))
	default:
		st = logstore.NewMemoryStorage()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", c.Storage.Backend, err)
	}
	return st, nil
}

func openOrNil[S logstore.Storage](st S, err error) (logstore.Storage, error) {
	if err != nil {
		return nil, err
	}
	return st, nil
}

// EngineOptions are the engine settings this config describes.
func (c Config) EngineOptions(st logstore.Storage, log utils.Logger) docswarm.Options {
	return docswarm.Options{
		Storage:         st,
		Logger:          log,
		ImmutableAPI:    c.Engine.ImmutableAPI,
		DefaultMetadata: c.Engine.DefaultMetadata,
		CacheSize:       c.Storage.CacheSize,
	}
}

// ListenAddrs is network.listen, or one tcp listener on network.port.
func (c Config) ListenAddrs() []string {
	if len(c.Network.Listen) > 0 || c.Network.Port < 0 {
		return c.Network.Listen
	}
	return []string{fmt.Sprintf("tcp://:%d", c.Network.Port)}
}

// TLSConfig builds the transport TLS settings, nil when none are set.
func (c Config) TLSConfig() (*tls.Config, error) {
	t := c.Network.TLS
	if t.Cert == "" && t.CA == "" {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.Cert != "" {
		cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	if t.CA != "" {
		pem, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalid, t.CA)
		}
		conf.RootCAs = pool
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}
