package bridgeapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DeviceServiceName 是 gRPC health 中设备探活使用的服务名。
const DeviceServiceName = "ledgerbridge.Device"

// HealthProber 周期性探测设备，并把结果写入 gRPC health 服务。
type HealthProber struct {
	bridge   Bridge
	server   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHealthProber 构造 HealthProber，interval/timeout 非正值时使用默认值。
func NewHealthProber(bridge Bridge, interval, timeout time.Duration, logger *slog.Logger) *HealthProber {
	if bridge == nil {
		panic("bridge is required")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := health.NewServer()
	srv.SetServingStatus(DeviceServiceName, healthpb.HealthCheckResponse_UNKNOWN)
	return &HealthProber{bridge: bridge, server: srv, interval: interval, timeout: timeout, logger: logger}
}

// Register 把 health 服务注册到 gRPC server。
func (p *HealthProber) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, p.server)
}

// Run 立即探测一次，然后按 interval 循环直到 ctx 结束。
func (p *HealthProber) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// Probe 执行一次设备版本查询并更新服务状态。
func (p *HealthProber) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	version, err := p.bridge.ConnectedDeviceVersion(probeCtx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		p.logger.Debug("device probe failed", "err", err)
	} else {
		p.logger.Debug("device probe ok", "major", version.Major, "minor", version.Minor, "patch", version.Patch)
	}
	p.server.SetServingStatus(DeviceServiceName, status)
	p.server.SetServingStatus("", status)
	return status
}
