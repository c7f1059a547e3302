package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(Limit{RPS: 4, Burst: 4}, Limit{RPS: 1, Burst: 10})
	assert.Equal(t, Limit{RPS: 1, Burst: 4}, combined)

	assert.Equal(t, Limit{RPS: 2, Burst: 3}, CombineLimits(Limit{}, Limit{RPS: 2, Burst: 3}))
}

func TestLimitForUsesOverrides(t *testing.T) {
	h := NewHostLimiter(Limit{RPS: 4, Burst: 4})

	assert.Equal(t, Limit{RPS: 1, Burst: 2}, h.LimitFor("www.reddit.com"))
	assert.Equal(t, Limit{RPS: 1, Burst: 2}, h.LimitFor("old.reddit.com"))
	assert.Equal(t, Limit{RPS: 4, Burst: 4}, h.LimitFor("example.com"))

	h.Override("example.com", Limit{RPS: 0.5, Burst: 1})
	assert.Equal(t, Limit{RPS: 0.5, Burst: 1}, h.LimitFor("shop.example.com"))
}

func TestWaitPacesSameHost(t *testing.T) {
	h := NewHostLimiter(Limit{RPS: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Wait(ctx, "https://example.com/a"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWaitIndependentHosts(t *testing.T) {
	h := NewHostLimiter(Limit{RPS: 1, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, h.Wait(ctx, "https://a.example/x"))
	require.NoError(t, h.Wait(ctx, "https://b.example/x"))
	assert.Error(t, h.Wait(ctx, "https://a.example/y"), "second token for the same host exceeds the deadline")
}

func TestWaitDisabledAndInvalid(t *testing.T) {
	h := NewHostLimiter(Limit{})
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Wait(context.Background(), "https://example.com"))
	}
	assert.NoError(t, h.Wait(context.Background(), "::not a url"))

	var nilLimiter *HostLimiter
	assert.NoError(t, nilLimiter.Wait(context.Background(), "https://example.com"))
}

func TestSetDefaultUpdatesExistingLimiters(t *testing.T) {
	h := NewHostLimiter(Limit{RPS: 1, Burst: 1})
	require.NoError(t, h.Wait(context.Background(), "https://example.com"))

	h.SetDefault(Limit{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, h.Wait(ctx, "https://example.com"))
}
