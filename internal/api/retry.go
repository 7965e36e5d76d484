package bridgeapi

import (
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

// RetryHinterConfig 配置 Retry-After 的取值区间。
type RetryHinterConfig struct {
	MinRetry time.Duration
	MaxRetry time.Duration
}

// RetryHinter 为 BRIDGE_BUSY / BRIDGE_RATE_LIMITED 生成带抖动的 Retry-After。
type RetryHinter struct {
	minRetry time.Duration
	maxRetry time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryHinter 构造 RetryHinter。
func NewRetryHinter(cfg RetryHinterConfig) *RetryHinter {
	min := cfg.MinRetry
	max := cfg.MaxRetry
	if min <= 0 {
		min = time.Second
	}
	if max <= 0 {
		max = 3 * time.Second
	}
	if max < min {
		max = min
	}
	return &RetryHinter{
		minRetry: min,
		maxRetry: max,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Annotate 对需要 Retry-After 的错误附加提示，返回副本不修改共享的哨兵错误。
func (r *RetryHinter) Annotate(err *ledgererr.Error) *ledgererr.Error {
	if err == nil || !ledgererr.RequiresRetryAfter(err.Code) {
		return err
	}
	annotated := ledgererr.New(err.Code, err.Message)
	return annotated.WithRetryAfter(r.randomRetry())
}

func (r *RetryHinter) randomRetry() time.Duration {
	if r == nil {
		return time.Second
	}
	span := r.maxRetry - r.minRetry
	if span <= 0 {
		return r.minRetry
	}
	r.mu.Lock()
	offset := time.Duration(r.rng.Int63n(int64(span)))
	r.mu.Unlock()
	return r.minRetry + offset
}
