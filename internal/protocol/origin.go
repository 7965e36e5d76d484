package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// Wildcard 表示不限定目标 origin。
const Wildcard = "*"

// ConnectionURL 拼接 `<bridgeURL>?<mode>`。
func ConnectionURL(bridgeURL, mode string) string {
	if mode == "" {
		return bridgeURL
	}
	return bridgeURL + "?" + mode
}

// OriginOf 去掉 query 与最后一个 path 段，得到 reply 需匹配的 origin。
func OriginOf(bridgeURL string) string {
	base := bridgeURL
	if idx := strings.IndexAny(base, "?#"); idx >= 0 {
		base = base[:idx]
	}
	idx := strings.LastIndex(base, "/")
	if idx < 0 {
		return base
	}
	return base[:idx]
}

// SchemeHostOrigin 返回 URL 的 scheme://host 部分，用于 websocket Origin 头。
func SchemeHostOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
