package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Identity 是缓存查找键：方法 + 规范化后的绝对 URL。
type Identity struct {
	Method string
	URL    string
}

// NewIdentity 从请求中派生 Identity，Host 缺失时回退到 r.Host。
func NewIdentity(r *http.Request) Identity {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return Identity{
		Method: normalizeMethod(r.Method),
		URL:    normalizeURL(&u),
	}
}

// IdentityFor 为给定方法与绝对 URL 构建 Identity，例如 install 阶段的预缓存列表。
func IdentityFor(method, rawURL string) (Identity, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Identity{}, fmt.Errorf("parse identity url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Identity{}, fmt.Errorf("identity url must be absolute: %s", rawURL)
	}
	return Identity{Method: normalizeMethod(method), URL: normalizeURL(u)}, nil
}

// Key 返回可读的 "METHOD URL" 形式。
func (id Identity) Key() string {
	return id.Method + " " + id.URL
}

// Digest 返回 Key 的 sha256 十六进制摘要，用于文件名。
func (id Identity) Digest() string {
	sum := sha256.Sum256([]byte(id.Key()))
	return hex.EncodeToString(sum[:])
}

// Cacheable 仅 GET 请求允许写入或命中缓存。
func (id Identity) Cacheable() bool {
	return id.Method == http.MethodGet
}

func (id Identity) String() string {
	return id.Key()
}

func normalizeMethod(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}

func normalizeURL(u *url.URL) string {
	clone := *u
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = stripDefaultPort(clone.Scheme, strings.ToLower(clone.Host))
	clone.Fragment = ""
	clone.RawFragment = ""
	clone.User = nil
	if clone.Path == "" {
		clone.Path = "/"
		clone.RawPath = ""
	}
	return clone.String()
}

func stripDefaultPort(scheme, host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
