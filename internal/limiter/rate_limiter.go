package limiter

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// 远程下载（chains.json / types / metadata）的硬上限
const (
	MaxSafetyRPS     = 10
	DefaultRPS       = 3
	DefaultBurstSize = 2
)

// RateLimiter 速率限制器，带有安全上限
type RateLimiter struct {
	limiter *rate.Limiter
	maxRPS  int
}

// NewRateLimiter 创建一个新的限流器
// 未配置时使用默认值，超过上限时强制降级
func NewRateLimiter(requestedRPS int) *RateLimiter {
	rps := DefaultRPS

	switch {
	case requestedRPS > MaxSafetyRPS:
		slog.Warn("unsafe_fetch_rps_config",
			"requested_rps", requestedRPS,
			"forced_rps", MaxSafetyRPS)
		rps = MaxSafetyRPS
	case requestedRPS > 0:
		rps = requestedRPS
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), DefaultBurstSize),
		maxRPS:  rps,
	}
}

// Unlimited is used by tests and local setups.
func Unlimited() *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
}

// Wait 阻塞直到获取令牌（或上下文取消）
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Allow 非阻塞检查
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// MaxRPS 返回当前配置的最大 RPS（用于监控）
func (rl *RateLimiter) MaxRPS() int {
	return rl.maxRPS
}
