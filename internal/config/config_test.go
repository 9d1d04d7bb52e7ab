package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		HTTPPort:                 8086,
		MaxJobConcurrency:        2,
		QueueAttempts:            5,
		PartitionDefaultChunks:   4,
		PartitionCapMax:          16,
		PartitionMaxConcurrency:  4,
		ReduceMaxGroups:          100000,
		BufferBytes:              65536,
		RetentionDays:            7,
		StoragePolicy:            "required",
		DefaultSourceCollection:  "reportSource",
		AllowedSourceCollections: []string{"reportSource", "orders"},
	}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTPPort = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadStoragePolicy(t *testing.T) {
	cfg := validConfig()
	cfg.StoragePolicy = "maybe"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresAllowlistedDefaultSource(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultSourceCollection = "somethingElse"
	require.Error(t, cfg.Validate())
}

func TestSourceAllowed(t *testing.T) {
	cfg := validConfig()
	require.True(t, cfg.SourceAllowed("orders"))
	require.False(t, cfg.SourceAllowed("users"))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9091")
	t.Setenv("ALLOWED_SOURCE_COLLECTIONS", "reportSource,orders")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9091, cfg.HTTPPort)
	require.Equal(t, []string{"reportSource", "orders"}, cfg.AllowedSourceCollections)
	require.Equal(t, 5, cfg.QueueAttempts)
}
