package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter 是对调用频率的令牌桶约束。多个调用方共享同一实例时
// 共同竞争同一配额；rate.Limiter 内部加锁，可安全并发使用。
type Limiter struct {
	inner *rate.Limiter
}

// New 创建每秒 perSecond 个令牌的限流器，桶容量为 max(ceil(perSecond), 1)。
// perSecond <= 0 表示不限流。
func New(perSecond float64) *Limiter {
	if perSecond <= 0 {
		return &Limiter{}
	}
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{inner: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire 阻塞直到获得一个令牌，或 ctx 结束。不限流时立即返回。
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.inner == nil {
		return nil
	}
	return l.inner.Wait(ctx)
}

// Unlimited 返回该限流器是否为不限流配置。
func (l *Limiter) Unlimited() bool {
	return l == nil || l.inner == nil
}
