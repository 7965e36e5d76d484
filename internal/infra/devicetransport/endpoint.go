package devicetransport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Dialer 允许替换设备拨号逻辑。
type Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	network, address, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch network {
	case "vsock":
		return dialVsock(ctx, address)
	case "hid":
		return nil, fmt.Errorf("device endpoint %q is not dialable", endpoint)
	}
	return (&net.Dialer{}).DialContext(ctx, network, address)
}

// splitEndpoint 解析 host:port、tcp://、unix:、unix://、vsock:、vsock://、hid:[index] 形式的地址。
func splitEndpoint(endpoint string) (network, address string, err error) {
	for _, scheme := range []string{"unix", "vsock", "tcp", "hid"} {
		for _, prefix := range []string{scheme + "://", scheme + ":"} {
			if !strings.HasPrefix(endpoint, prefix) {
				continue
			}
			address = strings.TrimPrefix(endpoint, prefix)
			switch scheme {
			case "vsock":
				if _, _, err := parseVsock(address); err != nil {
					return "", "", err
				}
			case "tcp":
				return splitTCP(endpoint, address)
			case "hid":
				return splitHID(endpoint, address)
			}
			if address == "" {
				return "", "", fmt.Errorf("invalid device endpoint %q", endpoint)
			}
			return scheme, address, nil
		}
	}
	return splitTCP(endpoint, endpoint)
}

// splitHID 解析 USB 设备序号，缺省为第一台设备。
func splitHID(endpoint, address string) (string, string, error) {
	if address == "" {
		return "hid", "0", nil
	}
	if _, err := strconv.ParseUint(address, 10, 8); err != nil {
		return "", "", fmt.Errorf("invalid hid device index %q: %w", endpoint, err)
	}
	return "hid", address, nil
}

func splitTCP(endpoint, address string) (string, string, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", "", fmt.Errorf("invalid device endpoint %q: %w", endpoint, err)
	}
	return "tcp", address, nil
}

// dialVsock 连接运行在 enclave/VM 内的设备模拟器。
func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cid, port, err := parseVsock(target)
	if err != nil {
		return nil, err
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(cid, port, nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}

func parseVsock(target string) (cid, port uint32, err error) {
	parts := strings.Split(target, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid: %w", err)
	}
	p, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port: %w", err)
	}
	return uint32(c), uint32(p), nil
}
