package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teamhub/realtime-gateway/internal/store"
	"github.com/teamhub/realtime-gateway/internal/testutil"
)

type brokenRateStore struct {
	*store.MemoryStore
}

func (brokenRateStore) AllowRate(context.Context, string, int, time.Duration) (bool, time.Duration, error) {
	return false, 0, errors.New("store down")
}

func TestLimiterAllow(t *testing.T) {
	st := store.NewMemoryStore()
	l := NewLimiter(st, 3, time.Minute, testutil.TestLogger(t))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow(ctx, "message", "alice")
		assert.True(t, allowed, "expected request %d within the limit", i+1)
	}

	allowed, retryAfter := l.Allow(ctx, "message", "alice")
	assert.False(t, allowed, "expected request past the limit to be denied")
	assert.Greater(t, retryAfter, time.Duration(0), "expected a retry-after hint")

	// separate operations and subjects have separate windows
	allowed, _ = l.Allow(ctx, "typing", "alice")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "message", "bob")
	assert.True(t, allowed)
}

func TestLimiterFailsClosed(t *testing.T) {
	l := NewLimiter(brokenRateStore{store.NewMemoryStore()}, 3, time.Minute, testutil.TestLogger(t))

	allowed, retryAfter := l.Allow(context.Background(), "message", "alice")
	assert.False(t, allowed, "expected a store failure to deny")
	assert.Equal(t, time.Minute, retryAfter)
}
