package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test-does-not-exist")
	require.NoError(t, Load())

	assert.Equal(t, ":8080", GlobalConfig.Addr)
	assert.Equal(t, "/api", GlobalConfig.APIPrefix)
	assert.Equal(t, "gorm", GlobalConfig.Backend)
	assert.Equal(t, "gocache", GlobalConfig.CacheType)
	assert.Equal(t, 24*time.Hour, GlobalConfig.IdempotencyTTL)
	assert.InDelta(t, 4.8156, GlobalConfig.DefaultLat, 1e-9)
	assert.InDelta(t, 7.0498, GlobalConfig.DefaultLng, 1e-9)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "test-does-not-exist")
	t.Setenv("BACKEND", "supabase")
	t.Setenv("REALTIME_REDIS", "1")
	t.Setenv("STALE_PENDING_AFTER", "2m")
	t.Setenv("LOG_MAX_SIZE", "12")
	require.NoError(t, Load())

	assert.Equal(t, "supabase", GlobalConfig.Backend)
	assert.True(t, GlobalConfig.RealtimeRedis)
	assert.Equal(t, 2*time.Minute, GlobalConfig.StalePendingAfter)
	assert.Equal(t, 12, GlobalConfig.Log.MaxSize)
}
