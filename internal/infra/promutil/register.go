// Package promutil 提供可重复调用的 Prometheus 注册辅助。
package promutil

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Register 注册 c；同名 collector 已存在时返回已注册的实例，使同一进程内多次构造共享指标。
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}
