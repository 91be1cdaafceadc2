package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		require.True(t, rl.allow(), "event %d should be within the burst", i)
	}
	require.False(t, rl.allow())
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)

	require.True(t, rl.allow())
	require.False(t, rl.allow())
	require.Eventually(t, rl.allow, time.Second, 5*time.Millisecond)
}

func TestRateLimiterInvalidSettings(t *testing.T) {
	rl := newRateLimiter(0, 0)
	require.True(t, rl.allow())
	require.False(t, rl.allow())
}

func TestRateLimitedEvents(t *testing.T) {
	require.True(t, rateLimited(protocol.EventJoin))
	require.True(t, rateLimited(protocol.EventRename))
	require.True(t, rateLimited(protocol.EventPost))
	require.False(t, rateLimited(protocol.EventReadReceipt))
}

func TestClientCheckRateLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	c := NewClient(nil, NewHub(cfg.HistoryLimit), "127.0.0.1:1", cfg)

	require.True(t, c.checkRateLimit(protocol.EventPost))
	require.False(t, c.checkRateLimit(protocol.EventPost))
	require.True(t, c.checkRateLimit(protocol.EventReadReceipt))
}
