package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.RTO)
	assert.Equal(t, 8, cfg.RetryMax)
	assert.Equal(t, 4, cfg.Window)
	assert.Equal(t, int64(33554432), cfg.MaxFileSize)
	assert.Equal(t, 200*time.Millisecond, cfg.QuietTime)
	assert.Equal(t, 3, cfg.LingerFactor)
	assert.Equal(t, 128, cfg.QueueDepth)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("UDPFT_RTO", "250ms")
	t.Setenv("UDPFT_WINDOW", "8")

	cfg, err := FromEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.RTO)
	assert.Equal(t, 8, cfg.Window)
}
