// Package config holds the tunables shared by the client and the server.
// Values come from the environment (prefix UDPFT_); unset variables take
// the defaults below. No CLI flag overrides them.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// RTO is the static retransmission timeout. No smoothed RTT estimation
	// is performed.
	RTO time.Duration `env:"UDPFT_RTO,default=1s"`

	// RetryMax bounds handshake attempts, BYE attempts and the number of
	// consecutive silent receive windows before a session is given up.
	RetryMax int `env:"UDPFT_RETRY_MAX,default=8"`

	// TimeoutMax caps the handshake timeout after doubling.
	TimeoutMax time.Duration `env:"UDPFT_TIMEOUT_MAX,default=16s"`

	// Window is the Go-Back-N sender window.
	Window int `env:"UDPFT_WINDOW,default=4"`

	// MaxFileSize is the upper bound accepted for uploads.
	MaxFileSize int64 `env:"UDPFT_MAX_FILE_SIZE,default=33554432"`

	// QuietTime is the post-OK absorption interval of the closing side.
	QuietTime time.Duration `env:"UDPFT_QUIET_TIME,default=200ms"`

	// LingerFactor scales RTO into the receiver-side linger window.
	LingerFactor int `env:"UDPFT_LINGER_FACTOR,default=3"`

	// QueueDepth bounds each per-peer datagram queue on the server.
	QueueDepth int `env:"UDPFT_QUEUE_DEPTH,default=128"`
}

// FromEnv loads the configuration, applying defaults for anything unset.
func FromEnv(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, cfg, envconfig.OsLookuper()); err != nil {
		return nil, err
	}
	return cfg, nil
}
