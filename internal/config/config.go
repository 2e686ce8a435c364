// Package config holds CXDB's environment-driven configuration, following
// the teacher's content.Config / transport.Config / DefaultConfig idiom.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is CXDB's server configuration, sourced from environment
// variables per spec.md §6.
type Config struct {
	DataDir        string        `json:"data_dir"`
	BinaryAddr     string        `json:"binary_addr"`
	HTTPAddr       string        `json:"http_addr"`
	LogLevel       string        `json:"log_level"`
	MaxBlobBytes   uint32        `json:"max_blob_bytes"`
	ZstdLevel      int           `json:"zstd_level"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MaxInFlight    int           `json:"max_in_flight"`
	IdempotencyTTL time.Duration `json:"idempotency_ttl"`
}

// DefaultConfig returns CXDB's default configuration, matching the
// deployed defaults named in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        "./data",
		BinaryAddr:     "127.0.0.1:9009",
		HTTPAddr:       "127.0.0.1:9010",
		LogLevel:       "info",
		MaxBlobBytes:   10 * 1024 * 1024,
		ZstdLevel:      3,
		RequestTimeout: 30 * time.Second,
		MaxInFlight:    64,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// FromEnv overlays environment variables onto the default configuration.
func FromEnv() *Config {
	c := DefaultConfig()

	if v := os.Getenv("CXDB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CXDB_BINARY_ADDR"); v != "" {
		c.BinaryAddr = v
	}
	if v := os.Getenv("CXDB_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("CXDB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CXDB_MAX_BLOB_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.MaxBlobBytes = uint32(n)
		}
	}
	if v := os.Getenv("CXDB_ZSTD_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ZstdLevel = n
		}
	}

	return c
}
