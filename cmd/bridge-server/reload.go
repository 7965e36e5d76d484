package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aegis-sign/ledger-bridge/internal/config"
)

type rateLimitUpdater interface {
	UpdateRateLimit(rateValue float64)
}

// watchReload 每收到一次信号就重读配置，并把 dispatcher.rateLimit 热更新到 target。
func watchReload(ctx context.Context, signals <-chan os.Signal, path string, target rateLimitUpdater, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping current rate limit", "signal", sig, "error", err)
				continue
			}
			target.UpdateRateLimit(cfg.Dispatcher.RateLimit)
			logger.Info("dispatcher rate limit reloaded", "signal", sig, "rate_limit", cfg.Dispatcher.RateLimit)
		}
	}
}
