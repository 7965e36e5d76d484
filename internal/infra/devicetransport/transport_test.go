package devicetransport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp"
	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp/adaapptest"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

func TestExchangeUsesLengthPrefixedFraming(t *testing.T) {
	emu := adaapptest.NewEmulator()
	addr := serveSpeculos(t, "tcp", "127.0.0.1:0", emu)

	f, err := NewFactory(Config{Endpoint: addr}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	tr, err := f.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	resp, err := tr.Exchange(context.Background(), []byte{0xD7, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 4, 0, 0x90, 0x00}, resp)
}

func TestAppClientOverUnixSocket(t *testing.T) {
	emu := adaapptest.NewEmulator()
	sock := filepath.Join(t.TempDir(), "speculos.sock")
	serveSpeculos(t, "unix", sock, emu)

	f, err := NewFactory(Config{Endpoint: "unix:" + sock}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	tr, err := f.Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	version, err := adaapp.New(tr, nil).GetVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint8(2), version.Major)
}

func TestExchangeTimeoutMapsToLedgerTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	f, err := NewFactory(Config{Endpoint: ln.Addr().String(), ExchangeTimeout: 50 * time.Millisecond}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	tr, err := f.Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Exchange(context.Background(), []byte{0xD7, 0x00, 0x00, 0x00, 0x00})
	var transportErr *ledgererr.TransportStatusError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "LEDGER_TIMEOUT", ledgererr.ToMessage(err))
}

func TestDialTimeoutMapsToTransportTimeout(t *testing.T) {
	blocking := func(ctx context.Context, endpoint string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f, err := NewFactory(Config{Endpoint: "127.0.0.1:1", DialTimeout: 20 * time.Millisecond, DialAttempts: 1},
		WithDialer(blocking), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	_, err = f.Open(context.Background())
	var transportErr *ledgererr.TransportStatusError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, 5, transportErr.MetaData.Code)
}

func TestOpenRetriesThenTripsBreaker(t *testing.T) {
	var dials atomic.Int32
	refused := errors.New("connection refused")
	failing := func(ctx context.Context, endpoint string) (net.Conn, error) {
		dials.Add(1)
		return nil, refused
	}
	reg := prometheus.NewRegistry()
	f, err := NewFactory(Config{
		Endpoint:         "127.0.0.1:1",
		DialAttempts:     3,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
		Backoff:          BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}, WithDialer(failing), WithRegisterer(reg))
	require.NoError(t, err)

	_, err = f.Open(context.Background())
	require.ErrorIs(t, err, refused)
	require.Equal(t, int32(3), dials.Load())

	_, err = f.Open(context.Background())
	require.ErrorIs(t, err, refused)
	require.Equal(t, stateDegraded, f.breaker.State())

	_, err = f.Open(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.Equal(t, int32(6), dials.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.breakerState))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.openFailures.WithLabelValues("breaker_open")))
}

func TestFactoryCloseRejectsOpen(t *testing.T) {
	f, err := NewFactory(Config{Endpoint: "127.0.0.1:1"}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = f.Open(context.Background())
	require.ErrorIs(t, err, ErrFactoryClosed)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	emu := adaapptest.NewEmulator()
	addr := serveSpeculos(t, "tcp", "127.0.0.1:0", emu)
	f, err := NewFactory(Config{Endpoint: "tcp://" + addr}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	tr, err := f.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err = tr.Exchange(context.Background(), []byte{0xD7, 0x00, 0x00, 0x00, 0x00})
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		in, network, address string
	}{
		{in: "127.0.0.1:9999", network: "tcp", address: "127.0.0.1:9999"},
		{in: "tcp://speculos:40000", network: "tcp", address: "speculos:40000"},
		{in: "unix:/run/ledger.sock", network: "unix", address: "/run/ledger.sock"},
		{in: "unix:///run/ledger.sock", network: "unix", address: "/run/ledger.sock"},
		{in: "vsock:3:5000", network: "vsock", address: "3:5000"},
		{in: "vsock://16:5005", network: "vsock", address: "16:5005"},
		{in: "hid:", network: "hid", address: "0"},
		{in: "hid:1", network: "hid", address: "1"},
		{in: "hid://2", network: "hid", address: "2"},
	}
	for _, tc := range cases {
		network, address, err := splitEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.network, network, tc.in)
		require.Equal(t, tc.address, address, tc.in)
	}
	for _, bad := range []string{"vsock:x:1", "vsock:3", "no-port", "unix:", "hid:usb", "hid:-1"} {
		_, _, err := splitEndpoint(bad)
		require.Error(t, err, bad)
	}
	_, err := NewFactory(Config{Endpoint: "vsock:bad"}, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LEDGER_DEVICE_ENDPOINT", "vsock:3:9999")
	t.Setenv("LEDGER_DEVICE_DIAL_TIMEOUT", "750ms")
	t.Setenv("LEDGER_DEVICE_DIAL_ATTEMPTS", "5")
	t.Setenv("LEDGER_DEVICE_RETRY_INITIAL", "2s")
	t.Setenv("LEDGER_DEVICE_RETRY_MAX", "1s")
	t.Setenv("LEDGER_DEVICE_RETRY_JITTER", "0")

	cfg := LoadConfigFromEnv()
	require.Equal(t, "vsock:3:9999", cfg.Endpoint)
	require.Equal(t, 750*time.Millisecond, cfg.DialTimeout)
	require.Equal(t, 5, cfg.DialAttempts)
	require.Equal(t, 2*time.Second, cfg.Backoff.Max)
	require.Zero(t, cfg.Backoff.Jitter)
	require.Equal(t, DefaultConfig().ExchangeTimeout, cfg.ExchangeTimeout)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})
	require.Equal(t, 10*time.Millisecond, b.Next())
	require.Equal(t, 20*time.Millisecond, b.Next())
	require.Equal(t, 40*time.Millisecond, b.Next())
	require.Equal(t, 40*time.Millisecond, b.Next())
	b.Reset()
	require.Equal(t, 10*time.Millisecond, b.Next())
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	require.True(t, cb.Failure())
	require.False(t, cb.Allow())
	now = now.Add(time.Minute)
	require.True(t, cb.Allow())
	require.False(t, cb.Failure())
	require.False(t, cb.Allow())
	now = now.Add(time.Minute)
	cb.Success()
	require.Equal(t, stateHealthy, cb.State())
	require.True(t, cb.Allow())
}

// serveSpeculos 以 Speculos APDU 协议在 network/address 上提供 emulator。
func serveSpeculos(t *testing.T, network, address string, emu *adaapptest.Emulator) string {
	t.Helper()
	ln, err := net.Listen(network, address)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					var header [4]byte
					if _, err := io.ReadFull(conn, header[:]); err != nil {
						return
					}
					apdu := make([]byte, binary.BigEndian.Uint32(header[:]))
					if _, err := io.ReadFull(conn, apdu); err != nil {
						return
					}
					resp := emu.Handle(apdu)
					out := binary.BigEndian.AppendUint32(nil, uint32(len(resp)-2))
					if _, err := conn.Write(append(out, resp...)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestFactoriesWithoutRegistererDoNotPanic(t *testing.T) {
	for i := 0; i < 2; i++ {
		require.NotPanics(t, func() {
			f, err := NewFactory(Config{Endpoint: "127.0.0.1:1"})
			require.NoError(t, err)
			require.NoError(t, f.Close())
		})
	}
}
