package devicetransport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff 计算拨号重试的指数退避等待时间，包含抖动。
type Backoff struct {
	cfg      BackoffConfig
	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

// NewBackoff 创建 Backoff。
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 计算下一次等待时长。
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.cfg.Initial << b.attempts
	if base <= 0 || base > b.cfg.Max {
		base = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		factor := 1 - b.cfg.Jitter + b.rand.Float64()*2*b.cfg.Jitter
		base = time.Duration(float64(base) * factor)
	}
	if b.attempts < 16 {
		b.attempts++
	}
	return min(max(base, b.cfg.Initial), b.cfg.Max)
}

// Wait 睡眠 Next() 时长，ctx 结束时提前返回其错误。
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset 清除历史失败，下一次退避重新从 Initial 开始。
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
