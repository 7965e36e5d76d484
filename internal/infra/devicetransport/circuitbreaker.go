package devicetransport

import (
	"sync"
	"time"
)

// breakerState 表示设备当前是否可拨号。
type breakerState string

const (
	stateHealthy  breakerState = "healthy"
	stateDegraded breakerState = "degraded"
	stateDraining breakerState = "draining"
)

func (s breakerState) gaugeValue() float64 {
	switch s {
	case stateDegraded:
		return 1
	case stateDraining:
		return 2
	}
	return 0
}

// circuitBreaker 在连续拨号失败后暂停拨号，冷却期后放行一次探测。
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu         sync.Mutex
	state      breakerState
	failures   int
	lastChange time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:  threshold,
		cooldown:   cooldown,
		now:        time.Now,
		state:      stateHealthy,
		lastChange: time.Now(),
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateDraining:
		return false
	case stateDegraded:
		return cb.now().Sub(cb.lastChange) >= cb.cooldown
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateDraining {
		return
	}
	cb.failures = 0
	if cb.state != stateHealthy {
		cb.state = stateHealthy
		cb.lastChange = cb.now()
	}
}

// Failure 记录一次失败，返回是否因此进入 degraded。
func (cb *circuitBreaker) Failure() (tripped bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateDraining {
		return false
	}
	cb.failures++
	if cb.state == stateDegraded {
		// 冷却后的探测失败，重新计时。
		cb.lastChange = cb.now()
		return false
	}
	if cb.failures >= cb.threshold {
		cb.state = stateDegraded
		cb.lastChange = cb.now()
		return true
	}
	return false
}

func (cb *circuitBreaker) Drain() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateDraining
	cb.lastChange = cb.now()
}

func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
