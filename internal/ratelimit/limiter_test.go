package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUnlimited(t *testing.T) {
	t.Parallel()
	limiter := New(Config{})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(context.Background(), "example.com"))
	}
	assert.Less(t, time.Since(start), time.Second, "zero RPS means no limiting")
}

func TestWaitPacesPerHost(t *testing.T) {
	t.Parallel()
	limiter := New(Config{DefaultRPS: 20})

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(context.Background(), "example.com"))
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "4 extra tokens at 20 rps need ~200ms")
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	limiter := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})

	require.NoError(t, limiter.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "example.com")
	require.Error(t, err)
}

func TestHostsAreIndependent(t *testing.T) {
	t.Parallel()
	limiter := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})

	require.NoError(t, limiter.Wait(context.Background(), "a.example.com"))
	require.NoError(t, limiter.Wait(context.Background(), "b.example.com"))
}
