package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	bridgeapi "github.com/aegis-sign/ledger-bridge/internal/api"
	"github.com/aegis-sign/ledger-bridge/internal/config"
	"github.com/aegis-sign/ledger-bridge/internal/gateway/dispatcher"
	"github.com/aegis-sign/ledger-bridge/internal/infra/devicetransport"
)

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := devicetransport.NewFactory(deviceConfig(cfg.Device),
		devicetransport.WithLogger(logger),
		devicetransport.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		logger.Error("failed to configure device transport", "error", err)
		os.Exit(1)
	}
	defer factory.Close()

	d, err := dispatcher.NewDispatcher(dispatcher.Config{
		MaxQueue:       cfg.Dispatcher.MaxQueue,
		RateLimit:      cfg.Dispatcher.RateLimit,
		RateBurst:      cfg.Dispatcher.RateBurst,
		SessionTimeout: cfg.Dispatcher.SessionTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
		Metrics:        dispatcher.NewMetrics(prometheus.DefaultRegisterer),
	}, factory)
	if err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go watchReload(ctx, hup, *configPath, d, logger)

	// HTTP server wiring
	mux := http.NewServeMux()
	bridgeapi.NewHTTPHandler(d, bridgeapi.HTTPConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ProbeTimeout:   cfg.Server.ProbeTimeout,
		Retry:          bridgeapi.NewRetryHinter(bridgeapi.RetryHinterConfig{MinRetry: cfg.Server.RetryMin, MaxRetry: cfg.Server.RetryMax}),
		Logger:         logger,
	}).Register(mux)
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", httpSrv.Addr, "device", factory.Config().Endpoint)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server closed unexpectedly", "error", err)
			stop()
		}
	}()

	// gRPC health wiring
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen for gRPC", "error", err)
			os.Exit(1)
		}
		grpcSrv = grpc.NewServer()
		prober := bridgeapi.NewHealthProber(d, cfg.Server.ProbeInterval, cfg.Server.ProbeTimeout, logger)
		prober.Register(grpcSrv)
		go prober.Run(ctx)
		go func() {
			logger.Info("gRPC health server listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc server closed unexpectedly", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down servers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
}

// deviceConfig 把文件/环境配置叠加到 devicetransport 默认值上。
func deviceConfig(c config.DeviceConfig) devicetransport.Config {
	cfg := devicetransport.DefaultConfig()
	if c.Endpoint != "" {
		cfg.Endpoint = c.Endpoint
	}
	if c.DialTimeout > 0 {
		cfg.DialTimeout = c.DialTimeout
	}
	if c.ExchangeTimeout > 0 {
		cfg.ExchangeTimeout = c.ExchangeTimeout
	}
	if c.DialAttempts > 0 {
		cfg.DialAttempts = c.DialAttempts
	}
	if c.BreakerThreshold > 0 {
		cfg.BreakerThreshold = c.BreakerThreshold
	}
	if c.BreakerCooldown > 0 {
		cfg.BreakerCooldown = c.BreakerCooldown
	}
	return cfg
}
