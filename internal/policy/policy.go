// Package policy decides, per intercepted request, whether to answer from the
// cache, the network, or an offline substitute.
package policy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/generation"
	"github.com/any-hub/swproxy/internal/metrics"
)

// ErrNotIntercepted 表示请求不属于 http/https，应交由宿主原样处理。
var ErrNotIntercepted = errors.New("request not intercepted")

// ErrNoBackground is returned by Handle when no keep-alive is supplied.
var ErrNoBackground = errors.New("background keep-alive required")

type Strategy string

const (
	StrategyNative       Strategy = "native"
	StrategyNetworkOnly  Strategy = "network-only"
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
)

type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceOfflinePage Source = "offline-page"
	SourceSynthesized Source = "synthesized"
)

const (
	MatchContains = "contains"
	MatchExact    = "exact"
)

// Fetcher is the network collaborator. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Background keeps the owning event alive until fn returns.
type Background interface {
	WaitUntil(fn func(ctx context.Context) error)
}

// Rules 是静态配置部分：预缓存列表、旁路主机与离线替代内容。
type Rules struct {
	// Origin 为反向代理源站；其路径部分是静态资源与落地页的基础路径。
	Origin         *url.URL
	StaticAssets   []string
	BypassHosts    []string
	StaticMatch    string
	LandingPage    string
	OfflineMessage string
}

// Result 携带最终响应及其产生方式，server 层据此写出诊断头。
type Result struct {
	Response   *http.Response
	Strategy   Strategy
	Source     Source
	Generation string
}

type Policy struct {
	rules   Rules
	store   cache.Store
	names   generation.Names
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(rules Rules, store cache.Store, names generation.Names, fetcher Fetcher, logger *logrus.Logger, m *metrics.Metrics) *Policy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if rules.StaticMatch == "" {
		rules.StaticMatch = MatchContains
	}
	return &Policy{
		rules:   rules,
		store:   store,
		names:   names,
		fetcher: fetcher,
		logger:  logger,
		metrics: m,
	}
}

// Classify applies the rules in order: scheme filter, bypass, static, default.
func (p *Policy) Classify(u *url.URL) Strategy {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return StrategyNative
	}
	if p.isBypass(u.Hostname()) {
		return StrategyNetworkOnly
	}
	if p.isStatic(SitePath(p.rules.Origin, u)) {
		return StrategyCacheFirst
	}
	return StrategyNetworkFirst
}

// Handle executes the strategy selected for req. req must carry an absolute URL
// and bg must keep the owning event alive for runtime cache writes.
// Only the network-only strategy returns a network error; the others always
// produce a response.
func (p *Policy) Handle(ctx context.Context, req *http.Request, bg Background) (*Result, error) {
	if bg == nil {
		return nil, ErrNoBackground
	}
	started := time.Now()
	strategy := p.Classify(req.URL)

	var (
		result *Result
		err    error
	)
	switch strategy {
	case StrategyNative:
		return nil, ErrNotIntercepted
	case StrategyNetworkOnly:
		result, err = p.networkOnly(ctx, req)
	case StrategyCacheFirst:
		result = p.cacheFirst(ctx, req)
	default:
		result = p.networkFirst(ctx, req, bg)
	}
	if err != nil {
		p.metrics.ObserveRequest(string(strategy), "error", time.Since(started))
		return nil, err
	}
	result.Strategy = strategy
	p.metrics.ObserveRequest(string(strategy), string(result.Source), time.Since(started))
	return result, nil
}

func (p *Policy) networkOnly(ctx context.Context, req *http.Request) (*Result, error) {
	resp, err := p.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Source: SourceNetwork}, nil
}

func (p *Policy) cacheFirst(ctx context.Context, req *http.Request) *Result {
	id := cache.NewIdentity(req)
	stored, gen, ok, err := cache.MatchAny(ctx, p.store, id, p.names.Static)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_read", "key": id.Key()}).Warn("static lookup failed")
	}
	p.metrics.CacheLookup("static", ok)
	if ok {
		return &Result{Response: stored.Response(req), Source: SourceCache, Generation: gen}
	}

	resp, err := p.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"action": "fetch", "key": id.Key()}).Debug("static fetch failed, serving offline fallback")
		return p.offline(ctx, req, id)
	}
	if !id.Cacheable() || !isSuccess(resp.StatusCode) {
		return &Result{Response: resp, Source: SourceNetwork}
	}

	callerCopy, snapshot, err := cache.Snapshot(resp)
	if err != nil {
		return p.offline(ctx, req, id)
	}
	if err := p.store.Put(ctx, p.names.Static, id, snapshot); err != nil {
		p.storeFailed("static", p.names.Static, id, err)
	}
	return &Result{Response: callerCopy, Source: SourceNetwork, Generation: p.names.Static}
}

func (p *Policy) networkFirst(ctx context.Context, req *http.Request, bg Background) *Result {
	id := cache.NewIdentity(req)
	resp, err := p.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return p.offline(ctx, req, id)
	}
	if !id.Cacheable() || !isSuccess(resp.StatusCode) {
		return &Result{Response: resp, Source: SourceNetwork}
	}

	callerCopy, snapshot, err := cache.Snapshot(resp)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"action": "snapshot", "key": id.Key()}).Warn("response body read failed")
		return p.offline(ctx, req, id)
	}
	write := func(ctx context.Context) error {
		if err := p.store.Put(ctx, p.names.Runtime, id, snapshot); err != nil {
			p.storeFailed("runtime", p.names.Runtime, id, err)
		}
		return nil
	}
	bg.WaitUntil(write)
	return &Result{Response: callerCopy, Source: SourceNetwork, Generation: p.names.Runtime}
}

// offline 依次尝试：任意代际中的同一 Identity、导航请求的落地页、合成 503。
func (p *Policy) offline(ctx context.Context, req *http.Request, id cache.Identity) *Result {
	stored, gen, ok, err := cache.MatchAny(ctx, p.store, id, p.names.Runtime, p.names.Static)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_read", "key": id.Key()}).Warn("fallback lookup failed")
	}
	p.metrics.CacheLookup("fallback", ok)
	if ok {
		return &Result{Response: stored.Response(req), Source: SourceCache, Generation: gen}
	}

	if IsNavigation(req) && p.rules.LandingPage != "" {
		landing := p.landingURL(req.URL)
		if landingID, err := cache.IdentityFor(http.MethodGet, landing.String()); err == nil {
			stored, gen, ok, err := cache.MatchAny(ctx, p.store, landingID, p.names.Static)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_read", "key": landingID.Key()}).Warn("landing lookup failed")
			}
			if ok {
				return &Result{Response: stored.Response(req), Source: SourceOfflinePage, Generation: gen}
			}
		}
	}

	return &Result{Response: Unavailable(req, p.rules.OfflineMessage), Source: SourceSynthesized}
}

// landingURL 对源站请求挂上基础路径，其他主机沿用请求自身的 scheme 与 host。
func (p *Policy) landingURL(u *url.URL) *url.URL {
	if p.rules.Origin != nil && sameOrigin(p.rules.Origin, u) {
		return AssetURL(p.rules.Origin, p.rules.LandingPage)
	}
	return AssetURL(u, p.rules.LandingPage)
}

func (p *Policy) storeFailed(kind, gen string, id cache.Identity, err error) {
	p.metrics.CacheStoreFailed(kind)
	p.logger.WithError(err).WithFields(logrus.Fields{
		"action":     "cache_write",
		"generation": gen,
		"key":        id.Key(),
	}).Warn("cache write failed")
}

func (p *Policy) isBypass(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, host := range p.rules.BypassHosts {
		if host != "" && strings.Contains(hostname, strings.ToLower(host)) {
			return true
		}
	}
	return false
}

func (p *Policy) isStatic(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, asset := range p.rules.StaticAssets {
		if asset == "" {
			continue
		}
		if p.rules.StaticMatch == MatchExact {
			if path == asset {
				return true
			}
			continue
		}
		if strings.Contains(path, asset) {
			return true
		}
	}
	return false
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
