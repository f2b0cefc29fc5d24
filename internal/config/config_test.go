package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	var (
		addr = "localhost:8080"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name string
		opts Options
		err  bool
	}{
		{
			name: "valid config",
			opts: Options{ServerAddr: addr, Base64Secret: key, AllowedOrigins: orig},
			err:  false,
		},
		{
			name: "empty address",
			opts: Options{Base64Secret: key, AllowedOrigins: orig},
			err:  true,
		},
		{
			name: "empty signing key",
			opts: Options{ServerAddr: addr, AllowedOrigins: orig},
			err:  true,
		},
		{
			name: "invalid base64 signing key",
			opts: Options{ServerAddr: addr, Base64Secret: "not-base64!!!", AllowedOrigins: orig},
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := New(tc.opts)
			if tc.err {
				assert.Error(t, err, "expected an error for %s", tc.name)
				assert.Nil(t, cfg, "expected nil config on error")
				return
			}

			assert.NoError(t, err, "expected no error for %s", tc.name)
			assert.Equal(t, tc.opts.ServerAddr, cfg.ServerAddr)
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
			assert.Equal(t, tc.opts.AllowedOrigins, cfg.AllowedOrigins)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New(Options{ServerAddr: "localhost:8080", Base64Secret: "c29tZV9zZWNyZXQ="})
	assert.NoError(t, err)

	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultHeartbeatMisses, cfg.HeartbeatMisses)
	assert.Equal(t, DefaultTypingTTL, cfg.TypingTTL)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimit)
	assert.Equal(t, DefaultRateWindow, cfg.RateWindow)
	assert.Equal(t, DefaultBufferCapacity, cfg.BufferCapacity)
	assert.Equal(t, DefaultSendQueueSize, cfg.SendQueueSize)
	assert.Equal(t, time.Minute, cfg.PongWait())
}

func TestNewOverrides(t *testing.T) {
	cfg, err := New(Options{
		ServerAddr:        "localhost:8080",
		Base64Secret:      "c29tZV9zZWNyZXQ=",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatMisses:   3,
		TypingTTL:         5 * time.Second,
		RateLimit:         10,
		RateWindow:        10 * time.Second,
		BufferCapacity:    16,
	})
	assert.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.HeartbeatMisses)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.RateWindow)
	assert.Equal(t, 16, cfg.BufferCapacity)
	assert.Equal(t, 30*time.Second, cfg.PongWait())
}
