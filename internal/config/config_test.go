package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("LINEAGE_TEST_GETENV_UNSET")
		assert.Equal(t, "default", GetEnv("LINEAGE_TEST_GETENV_UNSET", "default"))
	})

	t.Run("returns value when set", func(t *testing.T) {
		t.Setenv("LINEAGE_TEST_GETENV_SET", "myvalue")
		assert.Equal(t, "myvalue", GetEnv("LINEAGE_TEST_GETENV_SET", "default"))
	})

	t.Run("returns default when empty", func(t *testing.T) {
		t.Setenv("LINEAGE_TEST_GETENV_EMPTY", "")
		assert.Equal(t, "default", GetEnv("LINEAGE_TEST_GETENV_EMPTY", "default"))
	})

	t.Run("trims space", func(t *testing.T) {
		t.Setenv("LINEAGE_TEST_GETENV_TRIM", "  trimmed  ")
		assert.Equal(t, "trimmed", GetEnv("LINEAGE_TEST_GETENV_TRIM", "default"))
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("LINEAGE_TEST_DURATION_UNSET")
		assert.Equal(t, 5*time.Second, GetEnvDuration("LINEAGE_TEST_DURATION_UNSET", 5*time.Second))
	})

	t.Run("parses valid duration", func(t *testing.T) {
		t.Setenv("LINEAGE_TEST_DURATION_VALID", "250ms")
		assert.Equal(t, 250*time.Millisecond, GetEnvDuration("LINEAGE_TEST_DURATION_VALID", time.Second))
	})

	t.Run("returns default on invalid duration", func(t *testing.T) {
		t.Setenv("LINEAGE_TEST_DURATION_INVALID", "not-a-duration")
		assert.Equal(t, 7*time.Second, GetEnvDuration("LINEAGE_TEST_DURATION_INVALID", 7*time.Second))
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("LINEAGE_TEST_INT", " 42 ")
	assert.Equal(t, 42, GetEnvInt("LINEAGE_TEST_INT", 1))

	t.Setenv("LINEAGE_TEST_INT_BAD", "forty")
	assert.Equal(t, 1, GetEnvInt("LINEAGE_TEST_INT_BAD", 1))

	os.Unsetenv("LINEAGE_TEST_INT_UNSET")
	assert.Equal(t, 3, GetEnvInt("LINEAGE_TEST_INT_UNSET", 3))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("LINEAGE_TEST_BOOL", "true")
	assert.True(t, GetEnvBool("LINEAGE_TEST_BOOL", false))

	t.Setenv("LINEAGE_TEST_BOOL_BAD", "maybe")
	assert.True(t, GetEnvBool("LINEAGE_TEST_BOOL_BAD", true))
}

func TestDefaultServiceConfig(t *testing.T) {
	os.Unsetenv("FORWARD_ENDPOINT")
	os.Unsetenv("FORWARD_API_KEY")
	os.Unsetenv("LARGE_BATCH_THRESHOLD")
	os.Unsetenv("COMMIT_CHUNK_SIZE")
	os.Unsetenv("MERGE_DEBOUNCE")
	cfg := DefaultServiceConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5000, cfg.LargeBatchThreshold)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 100*time.Millisecond, cfg.MergeDebounce)
	assert.False(t, cfg.ForwardEnabled, "forwarding should be off when env unset")
	assert.False(t, cfg.ProcScanEnabled)
}

func TestDefaultServiceConfig_ForwardEnabled(t *testing.T) {
	t.Setenv("FORWARD_ENDPOINT", "https://collector.example.com")
	t.Setenv("FORWARD_API_KEY", "secret")
	cfg := DefaultServiceConfig()
	assert.True(t, cfg.ForwardEnabled)
	assert.Equal(t, "https://collector.example.com", cfg.ForwardEndpoint)
}
