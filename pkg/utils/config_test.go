package utils

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfig_Defaults(t *testing.T) {
	t.Setenv("MEDIAHUB_DATA_DIR", t.TempDir())

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.CacheBackend)
	assert.Equal(t, "http", cfg.RemoteBackend)
	assert.Equal(t, "mediahub.library.v1", cfg.CacheNamespace)
	assert.Equal(t, 750*time.Millisecond, cfg.SyncDebounce)
	assert.Equal(t, 5*time.Second, cfg.SyncSignIn)
	assert.Equal(t, 3, cfg.FreeListLimit)
	assert.Equal(t, 25, cfg.ProListLimit)
	assert.Equal(t, "mediahub_legacy", cfg.LegacyHandle)
}

func TestLoadClientConfig_Overrides(t *testing.T) {
	t.Setenv("MEDIAHUB_DATA_DIR", t.TempDir())
	t.Setenv("MEDIAHUB_CACHE_BACKEND", "badger")
	t.Setenv("MEDIAHUB_REMOTE_BACKEND", "redis")
	t.Setenv("MEDIAHUB_SYNC_DEBOUNCE", "2s")
	t.Setenv("MEDIAHUB_PRO_LIST_LIMIT", "40")

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.CacheBackend)
	assert.Equal(t, "redis", cfg.RemoteBackend)
	assert.Equal(t, 2*time.Second, cfg.SyncDebounce)
	assert.Equal(t, 40, cfg.ProListLimit)
}

func TestLoadClientConfig_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown cache", "MEDIAHUB_CACHE_BACKEND", "sqlite"},
		{"unknown remote", "MEDIAHUB_REMOTE_BACKEND", "grpc"},
		{"bad duration", "MEDIAHUB_SYNC_DEBOUNCE", "soon"},
		{"non-positive sign-in timeout", "MEDIAHUB_SYNC_SIGNIN_TIMEOUT", "0s"},
		{"bad int", "MEDIAHUB_FREE_LIST_LIMIT", "three"},
		{"pro below free", "MEDIAHUB_PRO_LIST_LIMIT", "1"},
		{"bad log level", "MEDIAHUB_LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MEDIAHUB_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)
			_, err := LoadClientConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadAuthConfig(t *testing.T) {
	t.Setenv("MEDIAHUB_JWT_TTL_HOURS", "48")
	t.Setenv("MEDIAHUB_JWT_ISSUER", "test")
	cfg, err := LoadAuthConfig()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.JWTDuration)
	assert.Equal(t, "test", cfg.JWTIssuer)

	t.Setenv("MEDIAHUB_JWT_TTL_HOURS", "0")
	_, err = LoadAuthConfig()
	assert.Error(t, err)
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("MEDIAHUB_RATE_RPS", "2.5")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2.5, cfg.RateRPS)

	t.Setenv("MEDIAHUB_RATE_BURST", "0")
	_, err = LoadServerConfig()
	assert.Error(t, err)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")
	logger.Debug("library_pushed", "entries", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "library_pushed", line["msg"])
	assert.EqualValues(t, 3, line["entries"])
}
