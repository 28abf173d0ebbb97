package openai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimitersShareOnePerProvider(t *testing.T) {
	pool := NewLimiters()

	first := pool.For("openai", 2, 1)
	require.NotNil(t, first)
	assert.Same(t, first, pool.For(" OpenAI ", 2, 1))
	assert.NotSame(t, first, pool.For("deepseek", 2, 1))

	adjusted := pool.For("openai", 5, 3)
	assert.Same(t, first, adjusted)
	assert.Equal(t, rate.Limit(5), adjusted.Limit())
	assert.Equal(t, 3, adjusted.Burst())

	assert.Nil(t, pool.For("openai", 0, 1))
	var nilPool *Limiters
	assert.Nil(t, nilPool.For("openai", 1, 1))
}

func TestClientsShareInjectedLimiter(t *testing.T) {
	shared := rate.NewLimiter(rate.Limit(20), 1)
	a, err := NewClient(Config{APIKey: "sk", Limiter: shared})
	require.NoError(t, err)
	b, err := NewClient(Config{APIKey: "sk", Limiter: shared, RequestsPerSecond: 1000})
	require.NoError(t, err)
	assert.Same(t, shared, a.limiter)
	assert.Same(t, shared, b.limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, shared.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
