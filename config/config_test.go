package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drpcorg/docswarm/logstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 256, cfg.Storage.CacheSize)
	assert.Equal(t, 30*time.Second, cfg.Network.WriteTimeout)
	assert.Equal(t, []string{"tcp://:0"}, cfg.ListenAddrs())

	st, err := cfg.OpenStorage()
	require.NoError(t, err)
	assert.IsType(t, &logstore.MemoryStorage{}, st)
	tlsConf, err := cfg.TLSConfig()
	assert.NoError(t, err)
	assert.Nil(t, tlsConf)
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	t.Setenv("DOCSWARM_STORAGE_BACKEND", "file")
	t.Setenv("DOCSWARM_LOG_LEVEL", "debug")

	dir := t.TempDir()
	path := filepath.Join(dir, "docswarm.yaml")
	content := []byte(`
storage:
  backend: pebble
  path: ` + filepath.Join(dir, "data") + `
network:
  listen: ["tcp://:7700", "ws://:7701/replicate"]
  connect: ["tcp://10.0.0.2:7700"]
  mdns: true
  write_timeout: 5s
engine:
  immutable_api: true
  default_metadata:
    app: board
http:
  addr: 127.0.0.1:8080
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"tcp://:7700", "ws://:7701/replicate"}, cfg.ListenAddrs())
	assert.Equal(t, []string{"tcp://10.0.0.2:7700"}, cfg.Network.Connect)
	assert.True(t, cfg.Network.MDNS)
	assert.Equal(t, 5*time.Second, cfg.Network.WriteTimeout)
	assert.True(t, cfg.Engine.ImmutableAPI)
	assert.Equal(t, "board", cfg.Engine.DefaultMetadata["app"])
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)

	opts := cfg.EngineOptions(nil, cfg.Logger())
	assert.True(t, opts.ImmutableAPI)
	assert.Equal(t, 256, opts.CacheSize)

	st, err := cfg.OpenStorage()
	require.NoError(t, err)
	assert.IsType(t, &logstore.FileStorage{}, st)
	assert.NoError(t, st.Close())
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docswarm.toml")
	content := []byte(`
[storage]
backend = "bolt"
path = "` + filepath.Join(dir, "db", "logs.bolt") + `"

[network]
port = -1
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.ListenAddrs())

	st, err := cfg.OpenStorage()
	require.NoError(t, err)
	assert.IsType(t, &logstore.BoltStorage{}, st)
	assert.NoError(t, st.Close())
}

func TestValidate(t *testing.T) {
	base := Config{
		Storage: StorageConfig{Backend: "memory"},
		Log:     LogConfig{Level: "info"},
	}
	assert.NoError(t, base.Validate())

	bad := []func(c *Config){
		func(c *Config) { c.Storage.Backend = "redis" },
		func(c *Config) { c.Storage.Backend = "pebble" },
		func(c *Config) { c.Storage.CacheSize = -1 },
		func(c *Config) { c.Network.Port = 70000 },
		func(c *Config) { c.Network.TLS.Cert = "cert.pem" },
		func(c *Config) { c.Log.Level = "loud" },
	}
	for i, mutate := range bad {
		c := base
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), ErrInvalid, "case %d", i)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
