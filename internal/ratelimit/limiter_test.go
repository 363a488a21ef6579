package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireThrottles(t *testing.T) {
	// 2 qps、桶容量 2：5 次获取中至少 3 次要等待，总耗时 ≥ ~1.5s。
	l := New(2)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 1400*time.Millisecond)
}

func TestZeroRateNeverBlocks(t *testing.T) {
	l := New(0)
	assert.True(t, l.Unlimited())
	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireRespectsContext(t *testing.T) {
	l := New(0.001) // 令牌几乎不会到来
	require.NoError(t, l.Acquire(context.Background())) // 桶里的第一个

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.Error(t, err)
}

func TestNilLimiterIsUnlimited(t *testing.T) {
	var l *Limiter
	assert.True(t, l.Unlimited())
	assert.NoError(t, l.Acquire(context.Background()))
}
