package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvGetters(t *testing.T) {
	t.Setenv("RR_INT", "42")
	t.Setenv("RR_BOOL", "true")
	t.Setenv("RR_FLOAT", "4.81")
	t.Setenv("RR_DUR", "90s")
	t.Setenv("RR_DUR_SECS", "15")

	assert.Equal(t, int64(42), GetIntEnv("RR_INT"))
	assert.True(t, GetBoolEnv("RR_BOOL"))
	assert.InDelta(t, 4.81, GetFloatEnv("RR_FLOAT"), 1e-9)
	assert.Equal(t, 90*time.Second, GetDurationEnv("RR_DUR", time.Second))
	assert.Equal(t, 15*time.Second, GetDurationEnv("RR_DUR_SECS", time.Second))
	assert.Equal(t, time.Minute, GetDurationEnv("RR_MISSING", time.Minute))
	assert.Equal(t, "fallback", GetEnvOrDefault("RR_MISSING", "fallback"))
	assert.Equal(t, int64(0), GetIntEnv("RR_MISSING"))
}

func TestInitDatabaseDefaultsToSqlite(t *testing.T) {
	db, err := InitDatabase("", "", false)
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", db.Dialector.Name())
}
