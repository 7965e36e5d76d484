package bridgeapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

func TestRetryHinterAnnotatesBusy(t *testing.T) {
	hinter := NewRetryHinter(RetryHinterConfig{MinRetry: 1500 * time.Millisecond, MaxRetry: 1500 * time.Millisecond})
	sentinel := ledgererr.New(ledgererr.CodeBusy, "BRIDGE_BUSY")

	annotated := hinter.Annotate(sentinel)

	require.NotSame(t, sentinel, annotated)
	require.Equal(t, "2", annotated.RetryAfterHint())
	require.Empty(t, sentinel.RetryAfterHint())
}

func TestRetryHinterSkipsOtherCodes(t *testing.T) {
	hinter := NewRetryHinter(RetryHinterConfig{})
	locked := ledgererr.New(ledgererr.CodeLocked, "LEDGER_LOCKED")

	require.Same(t, locked, hinter.Annotate(locked))
	require.Nil(t, hinter.Annotate(nil))
}

func TestRetryHinterRange(t *testing.T) {
	hinter := NewRetryHinter(RetryHinterConfig{MinRetry: time.Second, MaxRetry: 3 * time.Second})
	for i := 0; i < 50; i++ {
		d := hinter.randomRetry()
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 3*time.Second)
	}
}
