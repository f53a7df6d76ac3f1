package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/policy"
)

// ErrNoTarget 表示请求既不是绝对 URI，也没有可用的 Host/Upstream 推导目标。
var ErrNoTarget = errors.New("request target cannot be resolved")

// TargetResolver 将入站请求映射为拦截策略使用的绝对 URL。
// 配置了 Worker.Upstream 时为反向代理模式，否则按绝对 URI 或 Host 头做正向代理。
type TargetResolver struct {
	upstream *url.URL
}

// NewTargetResolver 根据配置构建解析器。调用方应在启动阶段创建一次并复用。
func NewTargetResolver(cfg *config.Config) (*TargetResolver, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	resolver := &TargetResolver{}
	if raw := strings.TrimSpace(cfg.Worker.Upstream); raw != "" {
		upstream, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream %s: %w", raw, err)
		}
		resolver.upstream = upstream
	}
	return resolver, nil
}

// Upstream returns the configured origin, nil in forward-only mode.
func (r *TargetResolver) Upstream() *url.URL {
	if r == nil || r.upstream == nil {
		return nil
	}
	clone := *r.upstream
	return &clone
}

// Resolve 根据原始 request-target 与 Host 头构造目标 URL。
func (r *TargetResolver) Resolve(requestURI, host string) (*url.URL, error) {
	ref, err := url.Parse(requestURI)
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}

	if ref.IsAbs() {
		normalized, port := normalizeHost(ref.Host)
		if normalized == "" {
			return nil, ErrNoTarget
		}
		ref.Host = joinHostPort(normalized, port)
		return ref, nil
	}

	if r != nil && r.upstream != nil {
		target := *r.upstream
		target.Path = policy.JoinPath(r.upstream.Path, ref.Path)
		target.RawPath = ""
		target.RawQuery = ref.RawQuery
		return &target, nil
	}

	normalized, port := normalizeHost(host)
	if normalized == "" {
		return nil, ErrNoTarget
	}
	return &url.URL{
		Scheme:   "http",
		Host:     joinHostPort(normalized, port),
		Path:     ref.Path,
		RawQuery: ref.RawQuery,
	}, nil
}

func joinHostPort(host string, port int) string {
	if port == 0 {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.Trim(host, "[]")
	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
