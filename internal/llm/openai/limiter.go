package openai

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limiters 按服务商保存共享的限速器，使每次请求新建的客户端共用同一配额。
type Limiters struct {
	mu         sync.Mutex
	byProvider map[string]*rate.Limiter
}

// NewLimiters 创建空的限速器集合。
func NewLimiters() *Limiters {
	return &Limiters{byProvider: make(map[string]*rate.Limiter)}
}

// For 返回服务商的限速器。rps <= 0 表示不限速并返回 nil；
// 配置变化时原地调整已有限速器的速率与突发量。
func (l *Limiters) For(provider string, rps float64, burst int) *rate.Limiter {
	if l == nil || rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	key := strings.ToLower(strings.TrimSpace(provider))

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.byProvider[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		l.byProvider[key] = limiter
		return limiter
	}
	if limiter.Limit() != rate.Limit(rps) {
		limiter.SetLimit(rate.Limit(rps))
	}
	if limiter.Burst() != burst {
		limiter.SetBurst(burst)
	}
	return limiter
}
