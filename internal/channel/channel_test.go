package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeDeliversWithSenderOrigin(t *testing.T) {
	a, b := NewPipe("https://host.example", "https://bridge.example")
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.PostMessage(map[string]string{"hello": "world"}, "https://bridge.example/path/index.html"))
	msg := <-b.Messages()
	require.Equal(t, "https://host.example", msg.Origin)
	require.JSONEq(t, `{"hello":"world"}`, string(msg.Data))
}

func TestPipeRejectsTargetOriginMismatch(t *testing.T) {
	a, b := NewPipe("https://host.example", "https://bridge.example")
	t.Cleanup(func() { _ = a.Close() })

	err := a.PostMessage("x", "https://evil.example")
	require.ErrorIs(t, err, ErrTargetOriginMismatch)
	require.NoError(t, a.PostMessage("x", "*"))
	require.Len(t, b.Messages(), 1)
}

func TestPipeCloseStopsBothEnds(t *testing.T) {
	a, b := NewPipe("https://a.example", "https://b.example")
	require.NoError(t, b.Close())
	require.NoError(t, a.Close())

	select {
	case <-a.Done():
	default:
		t.Fatal("expected a closed")
	}
	require.ErrorIs(t, a.PostMessage("x", "*"), ErrClosed)
}

func TestDocumentAppendAndRemoveFrame(t *testing.T) {
	doc := NewDocument("https://host.example", nil)
	queries := make(chan string, 1)
	doc.RegisterSite("https://bridge.example/app/index.html", SiteHandlerFunc(func(ctx context.Context, query string, ep Endpoint) error {
		queries <- query
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-ep.Messages():
				if err := ep.PostMessage(json.RawMessage(msg.Data), msg.Origin); err != nil {
					return err
				}
			}
		}
	}))

	frame, err := doc.AppendFrame(context.Background(), "bridge-frame", "https://bridge.example/app/index.html?u2f")
	require.NoError(t, err)
	<-frame.Loaded()
	require.Equal(t, "u2f", <-queries)
	require.Equal(t, "https://bridge.example", frame.Endpoint().PeerOrigin())

	_, err = doc.AppendFrame(context.Background(), "bridge-frame", "https://bridge.example/app/index.html")
	require.ErrorIs(t, err, ErrFrameExists)

	require.NoError(t, frame.Endpoint().PostMessage(map[string]int{"n": 1}, "*"))
	select {
	case msg := <-frame.Endpoint().Messages():
		require.Equal(t, "https://bridge.example", msg.Origin)
		require.JSONEq(t, `{"n":1}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("no echo from frame")
	}

	require.True(t, doc.RemoveFrame("bridge-frame"))
	require.False(t, doc.RemoveFrame("bridge-frame"))
	require.Eventually(t, func() bool {
		select {
		case <-frame.Exited():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestDocumentUnknownSite(t *testing.T) {
	doc := NewDocument("https://host.example", nil)
	_, err := doc.AppendFrame(context.Background(), "f", "https://nowhere.example/x")
	require.ErrorIs(t, err, ErrSiteNotFound)
}

func TestWebsocketWindowRoundTrip(t *testing.T) {
	origins := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep, err := Upgrade(w, r, "http://"+r.Host, nil, nil)
		if err != nil {
			return
		}
		defer ep.Close()
		origins <- ep.PeerOrigin()
		for {
			select {
			case <-ep.Done():
				return
			case msg := <-ep.Messages():
				if err := ep.PostMessage(json.RawMessage(msg.Data), msg.Origin); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ep, err := DialWindow(ctx, srv.URL+"/index.html?webauthn", "https://host.example", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	require.Equal(t, "https://host.example", <-origins)
	require.Equal(t, srv.URL, ep.PeerOrigin())
	require.ErrorIs(t, ep.PostMessage("x", "https://other.example"), ErrTargetOriginMismatch)

	require.NoError(t, ep.PostMessage(map[string]string{"action": "ping"}, srv.URL+"/index.html"))
	select {
	case msg := <-ep.Messages():
		require.Equal(t, srv.URL, msg.Origin)
		require.JSONEq(t, `{"action":"ping"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo over websocket")
	}

	require.NoError(t, ep.Close())
	require.ErrorIs(t, ep.PostMessage("x", "*"), ErrClosed)
}
