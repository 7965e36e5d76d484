package bridgeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/aegis-sign/ledger-bridge/internal/channel"
	"github.com/aegis-sign/ledger-bridge/internal/protocol"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

// HTTPConfig 配置 bridge server 的 HTTP 行为。
type HTTPConfig struct {
	// AllowedOrigins 非空时限制 websocket 升级请求的 Origin。
	AllowedOrigins []string
	ProbeTimeout   time.Duration
	Gatherer       prometheus.Gatherer
	Retry          *RetryHinter
	Logger         *slog.Logger
}

// HTTPHandler 实现 `/`（websocket remote context）、`/device/version`、`/debug/dispatcher`、`/metrics`、`/healthz`。
type HTTPHandler struct {
	bridge Bridge
	cfg    HTTPConfig
	logger *slog.Logger
	// probes 合并并发的设备版本查询，共享同一次设备会话。
	probes singleflight.Group
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(bridge Bridge, cfg HTTPConfig) *HTTPHandler {
	if bridge == nil {
		panic("bridge is required")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Retry == nil {
		cfg.Retry = NewRetryHinter(RetryHinterConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPHandler{bridge: bridge, cfg: cfg, logger: cfg.Logger}
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleBridge)
	mux.HandleFunc("/device/version", h.handleDeviceVersion)
	mux.Handle("/debug/dispatcher", h.bridge.DebugHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", h.handleHealthz)
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

// handleBridge 把 websocket 连接当作独立窗口里的 remote context 运行。
func (h *HTTPHandler) handleBridge(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	if err := validateMode(r.URL.RawQuery); err != nil {
		h.writeAPIError(w, ledgererr.New(ledgererr.CodeInvalidArgument, err.Error()))
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		h.writeAPIError(w, ledgererr.New(ledgererr.CodeInvalidArgument, "websocket upgrade required"))
		return
	}
	ep, err := channel.Upgrade(w, r, requestOrigin(r), h.checkOrigin, h.logger)
	if err != nil {
		h.logger.Warn("bridge upgrade failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	defer ep.Close()
	h.logger.Info("remote context opened", "remote", r.RemoteAddr, "origin", ep.PeerOrigin(), "mode", r.URL.RawQuery)
	if err := h.bridge.Serve(r.Context(), ep); err != nil && r.Context().Err() == nil {
		h.logger.Warn("remote context stopped", "origin", ep.PeerOrigin(), "err", err)
	}
	h.logger.Info("remote context closed", "remote", r.RemoteAddr)
}

func (h *HTTPHandler) handleDeviceVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeAPIError(w, ledgererr.New(ledgererr.CodeInvalidArgument, "GET required"))
		return
	}
	result, err, shared := h.probes.Do("device-version", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.ProbeTimeout)
		defer cancel()
		return h.bridge.ConnectedDeviceVersion(ctx)
	})
	if shared {
		h.logger.Debug("device version probe shared")
	}
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result.(protocol.GetVersionResponse))
}

func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeUnknownError 先按错误词汇归一，再映射到 HTTP 状态码。
func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	bridgeErr, ok := ledgererr.FromError(err)
	if !ok {
		bridgeErr = ledgererr.FromMessage(ledgererr.ToMessage(err))
	}
	h.writeAPIError(w, h.cfg.Retry.Annotate(bridgeErr))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *ledgererr.Error) {
	if apiErr == nil {
		apiErr = ledgererr.New(ledgererr.CodeUnexpected, "internal error")
	}
	status := ledgererr.HTTPStatus(apiErr.Code)
	if ledgererr.RequiresRetryAfter(apiErr.Code) {
		if hint := apiErr.RetryAfterHint(); hint != "" {
			w.Header().Set("Retry-After", hint)
		}
	}
	resp := errorResponse{
		Code:           string(apiErr.Code),
		Message:        apiErr.Error(),
		RetryAfterHint: apiErr.RetryAfterHint(),
	}
	h.writeJSON(w, status, resp)
}

func validateMode(query string) error {
	switch query {
	case "", "webauthn", "u2f", "webusb":
		return nil
	}
	return fmt.Errorf("unsupported connection type %q", query)
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
