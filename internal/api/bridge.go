package bridgeapi

import (
	"context"
	"net/http"

	"github.com/aegis-sign/ledger-bridge/internal/channel"
	"github.com/aegis-sign/ledger-bridge/internal/protocol"
)

// Bridge 定义 remote 侧能力，HTTP/gRPC handler 通过它与 Dispatcher 交互。
type Bridge interface {
	Serve(ctx context.Context, ep channel.Endpoint) error
	ConnectedDeviceVersion(ctx context.Context) (protocol.GetVersionResponse, error)
	DebugHandler() http.Handler
}

// SiteHandler 将 Bridge 作为 frame 站点挂载到 channel.Document，用于进程内 embedded-frame 模式。
func SiteHandler(bridge Bridge) channel.SiteHandler {
	return channel.SiteHandlerFunc(func(ctx context.Context, query string, ep channel.Endpoint) error {
		if err := validateMode(query); err != nil {
			return err
		}
		return bridge.Serve(ctx, ep)
	})
}
