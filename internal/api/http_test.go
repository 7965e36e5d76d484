package bridgeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/ledger-bridge/internal/channel"
	"github.com/aegis-sign/ledger-bridge/internal/connector"
	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp/adaapptest"
	"github.com/aegis-sign/ledger-bridge/internal/gateway/dispatcher"
	"github.com/aegis-sign/ledger-bridge/internal/protocol"
	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

func TestDeviceVersionSuccess(t *testing.T) {
	handler := NewHTTPHandler(&stubBridge{
		versionFn: func(context.Context) (protocol.GetVersionResponse, error) {
			return protocol.GetVersionResponse{Major: 2, Minor: 0, Patch: 4}, nil
		},
	}, HTTPConfig{})
	rr := httptest.NewRecorder()
	handler.handleDeviceVersion(rr, httptest.NewRequest(http.MethodGet, "/device/version", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body protocol.GetVersionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Major != 2 || body.Patch != 4 {
		t.Fatalf("unexpected version %+v", body)
	}
}

func TestDeviceVersionRejectsPost(t *testing.T) {
	handler := NewHTTPHandler(&stubBridge{}, HTTPConfig{})
	rr := httptest.NewRecorder()
	handler.handleDeviceVersion(rr, httptest.NewRequest(http.MethodPost, "/device/version", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestDeviceVersionBusySetsRetryAfter(t *testing.T) {
	handler := NewHTTPHandler(&stubBridge{
		versionFn: func(context.Context) (protocol.GetVersionResponse, error) {
			return protocol.GetVersionResponse{}, dispatcher.ErrBusy
		},
	}, HTTPConfig{Retry: NewRetryHinter(RetryHinterConfig{MinRetry: 2 * time.Second, MaxRetry: 2 * time.Second})})
	rr := httptest.NewRecorder()
	handler.handleDeviceVersion(rr, httptest.NewRequest(http.MethodGet, "/device/version", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("unexpected Retry-After %q", got)
	}
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Code != string(ledgererr.CodeBusy) || body.RetryAfterHint != "2" {
		t.Fatalf("unexpected body %+v", body)
	}
	if dispatcher.ErrBusy.RetryAfterHint() != "" {
		t.Fatalf("shared sentinel must not be annotated")
	}
}

func TestDeviceVersionMapsDeviceErrors(t *testing.T) {
	cases := []struct {
		status uint16
		want   ledgererr.Code
		code   int
	}{
		{adaapptest.SWLocked, ledgererr.CodeLocked, http.StatusLocked},
		{adaapptest.SWWrongApp, ledgererr.CodeWrongApp, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(string(tc.want), func(t *testing.T) {
			emu := adaapptest.NewEmulator()
			emu.Status = tc.status
			d := newTestDispatcher(t, emu)
			handler := NewHTTPHandler(d, HTTPConfig{})
			rr := httptest.NewRecorder()
			handler.handleDeviceVersion(rr, httptest.NewRequest(http.MethodGet, "/device/version", nil))
			if rr.Code != tc.code {
				t.Fatalf("status=%d", rr.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Code != string(tc.want) {
				t.Fatalf("unexpected code %s", body.Code)
			}
		})
	}
}

func TestDeviceVersionUnpluggedIsDeviceFailure(t *testing.T) {
	emu := adaapptest.NewEmulator()
	emu.Unplugged = true
	handler := NewHTTPHandler(newTestDispatcher(t, emu), HTTPConfig{})
	rr := httptest.NewRecorder()
	handler.handleDeviceVersion(rr, httptest.NewRequest(http.MethodGet, "/device/version", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rr.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != adaapptest.ErrUnavailable.Error() {
		t.Fatalf("unexpected message %q", body.Message)
	}
}

func TestBridgeRejectsUnknownMode(t *testing.T) {
	handler := NewHTTPHandler(&stubBridge{}, HTTPConfig{})
	rr := httptest.NewRecorder()
	handler.handleBridge(rr, httptest.NewRequest(http.MethodGet, "/?bluetooth", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestBridgeRequiresUpgrade(t *testing.T) {
	handler := NewHTTPHandler(&stubBridge{}, HTTPConfig{})
	rr := httptest.NewRecorder()
	handler.handleBridge(rr, httptest.NewRequest(http.MethodGet, "/?webauthn", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	handler := NewHTTPHandler(&stubBridge{}, HTTPConfig{AllowedOrigins: []string{"https://wallet.example"}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://wallet.example")
	if !handler.checkOrigin(req) {
		t.Fatalf("expected allowed origin")
	}
	req.Header.Set("Origin", "https://evil.example")
	if handler.checkOrigin(req) {
		t.Fatalf("expected rejected origin")
	}
}

func TestMetricsAndHealthz(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := dispatcher.NewMetrics(reg)
	d, err := dispatcher.NewDispatcher(dispatcher.Config{Metrics: metrics}, adaapptest.NewEmulator())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	mux := http.NewServeMux()
	NewHTTPHandler(d, HTTPConfig{Gatherer: reg}).Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "bridge_dispatcher_queue_depth") {
		t.Fatalf("unexpected metrics response: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/dispatcher", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "maxQueue") {
		t.Fatalf("unexpected debug response: %d %s", rr.Code, rr.Body.String())
	}
}

func TestWindowModeEndToEnd(t *testing.T) {
	emu := adaapptest.NewEmulator()
	d := newTestDispatcher(t, emu)
	mux := http.NewServeMux()
	NewHTTPHandler(d, HTTPConfig{Gatherer: prometheus.NewRegistry()}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := connector.New(context.Background(), connector.Config{
		ConnectionType: connector.ConnectionWebAuthn,
		BridgeURL:      srv.URL + "/index.html",
	}, &connector.BrowserOpener{Origin: "https://wallet.example"})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	version, err := c.GetVersion(ctx)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version.Major != 2 || version.Minor != 0 || version.Patch != 4 {
		t.Fatalf("unexpected version %+v", version)
	}

	if _, err := c.GetExtendedPublicKey(ctx, hdpath.Path{1, 2}); err == nil {
		t.Fatalf("expected invalid account path error")
	}
}

func TestEmbeddedFrameEndToEnd(t *testing.T) {
	d := newTestDispatcher(t, adaapptest.NewEmulator())
	doc := channel.NewDocument("https://wallet.example", nil)
	doc.RegisterSite(connector.DefaultBridgeURL, SiteHandler(d))

	c, err := connector.New(context.Background(), connector.Config{ConnectionType: connector.ConnectionWebUSB}, &connector.BrowserOpener{Document: doc})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.DeriveAddress(ctx, hdpath.MakeCardanoBIP44Path(0, 0, 0))
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	if resp.Address58 == "" {
		t.Fatalf("empty address")
	}
}

func newTestDispatcher(t *testing.T, emu *adaapptest.Emulator) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.NewDispatcher(dispatcher.Config{
		SessionTimeout: 5 * time.Second,
		Metrics:        dispatcher.NewMetrics(prometheus.NewRegistry()),
	}, emu)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

type stubBridge struct {
	versionFn func(context.Context) (protocol.GetVersionResponse, error)
}

func (s *stubBridge) Serve(ctx context.Context, ep channel.Endpoint) error {
	select {
	case <-ctx.Done():
	case <-ep.Done():
	}
	return nil
}

func (s *stubBridge) ConnectedDeviceVersion(ctx context.Context) (protocol.GetVersionResponse, error) {
	if s.versionFn != nil {
		return s.versionFn(ctx)
	}
	return protocol.GetVersionResponse{}, ledgererr.New(ledgererr.CodeUnexpected, "not implemented")
}

func (s *stubBridge) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strconv.Quote("stub")))
	})
}

func TestDeviceVersionCoalescesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	handler := NewHTTPHandler(&stubBridge{
		versionFn: func(context.Context) (protocol.GetVersionResponse, error) {
			calls.Add(1)
			<-release
			return protocol.GetVersionResponse{Major: 2}, nil
		},
	}, HTTPConfig{})

	var wg sync.WaitGroup
	codes := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			handler.handleDeviceVersion(rr, httptest.NewRequest(http.MethodGet, "/device/version", nil))
			codes <- rr.Code
		}()
	}
	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("status=%d", code)
		}
	}
	if n := calls.Load(); n < 1 || n > 4 {
		t.Fatalf("unexpected device open count %d", n)
	}
}
