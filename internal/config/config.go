package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMisses   = 2
	DefaultTypingTTL         = 3 * time.Second
	DefaultSweepInterval     = time.Second
	DefaultRateLimit         = 100
	DefaultRateWindow        = time.Minute
	DefaultBufferCapacity    = 100
	DefaultSendQueueSize     = 256
)

// Options are the raw, flag-supplied settings for a gateway instance. Zero
// values for tunables fall back to the package defaults in New.
type Options struct {
	ServerAddr        string
	RedisAddr         string
	Base64Secret      string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	TypingTTL         time.Duration
	SweepInterval     time.Duration
	RateLimit         int
	RateWindow        time.Duration
	BufferCapacity    int
	SendQueueSize     int
}

type Config struct {
	ServerAddr string
	// RedisAddr may be empty, in which case the gateway runs in
	// single-instance mode on an in-process store.
	RedisAddr         string
	SigningKey        []byte
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	TypingTTL         time.Duration
	SweepInterval     time.Duration
	RateLimit         int
	RateWindow        time.Duration
	BufferCapacity    int
	SendQueueSize     int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func New(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.Base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(opts.Base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:        opts.ServerAddr,
		RedisAddr:         opts.RedisAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    opts.AllowedOrigins,
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatMisses:   opts.HeartbeatMisses,
		TypingTTL:         opts.TypingTTL,
		SweepInterval:     opts.SweepInterval,
		RateLimit:         opts.RateLimit,
		RateWindow:        opts.RateWindow,
		BufferCapacity:    opts.BufferCapacity,
		SendQueueSize:     opts.SendQueueSize,
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}

	return cfg, nil
}

// PongWait is the read deadline for a connection: the interval at which
// clients are expected to answer pings, times the number of misses tolerated.
func (c *Config) PongWait() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMisses)
}
