package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.QueueDriver)
	require.Equal(t, int64(8*1024*1024), cfg.ChunkSize)
	require.Equal(t, int64(95*1024*1024), cfg.SingleShotThreshold)
	require.Equal(t, 10, cfg.ClaimLimit)
	require.Equal(t, "#Shorts", cfg.PlatformTag)
	require.Empty(t, cfg.Channels)
	require.Equal(t, time.Minute, cfg.LeaseInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_DRIVER", "nats")
	t.Setenv("CHUNK_SIZE", "16MiB")
	t.Setenv("CHANNELS", "main, shorts-b ,")
	t.Setenv("STALE_AFTER", "45m")
	t.Setenv("MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "nats", cfg.QueueDriver)
	require.Equal(t, int64(16*1024*1024), cfg.ChunkSize)
	require.Equal(t, []string{"main", "shorts-b"}, cfg.Channels)
	require.Equal(t, 45*time.Minute, cfg.StaleAfter)
	require.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publisher.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CLAIM_LIMIT: 25\nPLATFORM_TAG: \"#clips\"\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 25, cfg.ClaimLimit)
	require.Equal(t, "#clips", cfg.PlatformTag)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string][2]string{
		"unknown driver":     {"QUEUE_DRIVER", "kafka"},
		"claim limit":        {"CLAIM_LIMIT", "500"},
		"unaligned chunk":    {"CHUNK_SIZE", "1000000"},
		"unparseable chunk":  {"CHUNK_SIZE", "lots"},
		"bad secrets source": {"SECRETS_SOURCE", "vault"},
		"lease too long":     {"LEASE_INTERVAL", "20m"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}
