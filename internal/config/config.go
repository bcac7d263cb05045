// Package config provides configuration loading from environment and
// defaults for the lineage service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// ServiceConfig holds configuration for the lineage daemon (cmd/lineaged).
type ServiceConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	// Store
	LargeBatchThreshold int
	ChunkSize           int
	MaxRecords          int
	NotifyBuffer        int
	MergeDebounce       time.Duration
	MaxTreeDepth        int

	// Export
	ExportWorkers int
	ExportDir     string

	// Producers
	SpoolDir               string
	ProcScanEnabled        bool
	ProcScanInterval       time.Duration
	ProcRoot               string
	CollectorBatchSize     int
	CollectorFlushInterval time.Duration
	CollectorBufferSize    int

	// Telemetry forwarding
	ForwardEnabled  bool
	ForwardEndpoint string
	ForwardAPIKey   string
	ForwardTimeout  time.Duration
}

// DefaultServiceConfig returns service config from environment with defaults.
func DefaultServiceConfig() ServiceConfig {
	ep := GetEnv("FORWARD_ENDPOINT", "")
	key := GetEnv("FORWARD_API_KEY", "")
	return ServiceConfig{
		HTTPAddr:        GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),

		LargeBatchThreshold: GetEnvInt("LARGE_BATCH_THRESHOLD", 5000),
		ChunkSize:           GetEnvInt("COMMIT_CHUNK_SIZE", 1000),
		MaxRecords:          GetEnvInt("MAX_RECORDS", 0),
		NotifyBuffer:        64,
		MergeDebounce:       GetEnvDuration("MERGE_DEBOUNCE", 100*time.Millisecond),
		MaxTreeDepth:        GetEnvInt("MAX_TREE_DEPTH", 1024),

		ExportWorkers: GetEnvInt("EXPORT_WORKERS", 8),
		ExportDir:     GetEnv("EXPORT_DIR", os.TempDir()),

		SpoolDir:               GetEnv("SPOOL_DIR", ""),
		ProcScanEnabled:        GetEnvBool("PROC_SCAN_ENABLED", false),
		ProcScanInterval:       GetEnvDuration("PROC_SCAN_INTERVAL", 5*time.Second),
		ProcRoot:               GetEnv("PROC_ROOT", "/proc"),
		CollectorBatchSize:     GetEnvInt("COLLECTOR_BATCH_SIZE", 500),
		CollectorFlushInterval: GetEnvDuration("COLLECTOR_FLUSH_INTERVAL", time.Second),
		CollectorBufferSize:    10000,

		ForwardEnabled:  ep != "" && key != "",
		ForwardEndpoint: ep,
		ForwardAPIKey:   key,
		ForwardTimeout:  GetEnvDuration("FORWARD_TIMEOUT", 30*time.Second),
	}
}
