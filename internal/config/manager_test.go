package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Servers = []ServerConfig{{
		ID:             "main",
		Host:           "news.example.com",
		Port:           563,
		TLS:            true,
		MaxConnections: 20,
	}}
	return cfg
}

func TestNewManagerWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := NewManager(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, DuplicateIncrement, cfg.Import.DuplicateNzbBehavior)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestManagerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := validConfig()
	cfg.Import.EnsureImportableVideo = true
	require.NoError(t, m.Update(cfg))

	// A fresh manager must read back what was persisted.
	m2, err := NewManager(path)
	require.NoError(t, err)
	got := m2.Get()
	require.Len(t, got.Servers, 1)
	assert.Equal(t, "news.example.com", got.Servers[0].Host)
	assert.True(t, got.Import.EnsureImportableVideo)
}

func TestGetReturnsDeepCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.Update(validConfig()))

	a := m.Get()
	a.Servers[0].Host = "mutated.example.com"

	b := m.Get()
	assert.Equal(t, "news.example.com", b.Servers[0].Host)
}

func TestOnChangeHandlerFires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	var gotNew *Config
	m.OnChange(func(old, new *Config) { gotNew = new })

	cfg := validConfig()
	require.NoError(t, m.Update(cfg))
	require.NotNil(t, gotNew)
	assert.Len(t, gotNew.Servers, 1)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := validConfig()
	cfg.Servers[0].Port = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Servers[0].MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Import.HealthCheckSamplingRate = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Import.HealthCheckSamplingRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Import.DuplicateNzbBehavior = "explode"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Import.MaxQueueConnections = 50
	assert.Error(t, cfg.Validate(), "pipeline share larger than server cap")

	cfg = validConfig()
	cfg.Servers = append(cfg.Servers, cfg.Servers[0])
	assert.Error(t, cfg.Validate(), "duplicate server id")
}

func TestValidateFillsMissingServerID(t *testing.T) {
	cfg := validConfig()
	cfg.Servers[0].ID = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "news.example.com:563", cfg.Servers[0].ID)
}

func TestIsBlacklistedExtension(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.IsBlacklistedExtension("setup.exe"))
	assert.True(t, cfg.IsBlacklistedExtension("SETUP.EXE"))
	assert.False(t, cfg.IsBlacklistedExtension("movie.mkv"))
}
