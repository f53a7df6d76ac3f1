// Package lifecycle drives one worker version through
// installing → waiting → active, or into redundant.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/generation"
	"github.com/any-hub/swproxy/internal/metrics"
	"github.com/any-hub/swproxy/internal/policy"
)

type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrInvalidTransition 表示当前状态不允许请求的迁移。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Options 描述一个版本的预缓存来源与依赖。
type Options struct {
	Version      string
	Origin       *url.URL
	StaticAssets []string
	Store        cache.Store
	Generations  *generation.Manager
	Fetcher      policy.Fetcher
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
}

type Controller struct {
	opts Options

	mu            sync.Mutex
	state         State
	skipWaiting   bool
	onSkipWaiting func()
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := &Controller{opts: opts, state: StateInstalling}
	opts.Metrics.Transition(string(StateInstalling))
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Version() string {
	return c.opts.Version
}

// SkipRequested reports whether SkipWaiting has been called.
func (c *Controller) SkipRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipWaiting
}

// OnSkipWaiting sets the host callback fired by SkipWaiting.
func (c *Controller) OnSkipWaiting(fn func()) {
	c.mu.Lock()
	c.onSkipWaiting = fn
	c.mu.Unlock()
}

// Install pre-caches every static asset. All fetches must succeed with a
// 2xx status before anything is written; on any failure the version turns
// redundant and no entry of its static generation survives.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.expect(StateInstalling); err != nil {
		return err
	}
	c.log("install").Info("pre-caching static assets")

	entries, err := c.fetchAll(ctx)
	if err == nil {
		if err = c.storeAll(ctx, entries); err != nil {
			c.discardStatic(context.WithoutCancel(ctx))
		}
	}
	if err != nil {
		c.log("install").WithError(err).Error("install failed, discarding version")
		c.MarkRedundant()
		return fmt.Errorf("install %s: %w", c.opts.Version, err)
	}

	c.transition(StateWaiting)
	return nil
}

type precached struct {
	id   cache.Identity
	resp *cache.StoredResponse
}

func (c *Controller) fetchAll(ctx context.Context) ([]precached, error) {
	if c.opts.Origin == nil && len(c.opts.StaticAssets) > 0 {
		return nil, errors.New("origin required to pre-cache static assets")
	}
	p := pool.NewWithResults[precached]().WithContext(ctx).WithCancelOnError()
	for _, asset := range c.opts.StaticAssets {
		asset := asset
		p.Go(func(ctx context.Context) (precached, error) {
			return c.fetchOne(ctx, asset)
		})
	}
	return p.Wait()
}

func (c *Controller) fetchOne(ctx context.Context, asset string) (precached, error) {
	target := policy.AssetURL(c.opts.Origin, asset)
	id, err := cache.IdentityFor(http.MethodGet, target.String())
	if err != nil {
		return precached{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return precached{}, err
	}
	resp, err := c.opts.Fetcher.Do(req)
	if err != nil {
		return precached{}, fmt.Errorf("fetch %s: %w", asset, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return precached{}, fmt.Errorf("fetch %s: unexpected status %d", asset, resp.StatusCode)
	}
	_, snapshot, err := cache.Snapshot(resp)
	if err != nil {
		return precached{}, fmt.Errorf("fetch %s: %w", asset, err)
	}
	return precached{id: id, resp: snapshot}, nil
}

func (c *Controller) storeAll(ctx context.Context, entries []precached) error {
	static := c.opts.Generations.Names().Static
	for _, entry := range entries {
		if err := c.opts.Store.Put(ctx, static, entry.id, entry.resp); err != nil {
			return fmt.Errorf("store %s: %w", entry.id.Key(), err)
		}
	}
	return nil
}

// discardStatic 删除写入中途失败的静态代际，避免 MatchAny 命中被丢弃版本的条目。
func (c *Controller) discardStatic(ctx context.Context) {
	static := c.opts.Generations.Names().Static
	if _, err := c.opts.Store.DeleteGeneration(ctx, static); err != nil {
		c.log("install").WithError(err).WithField("generation", static).Warn("partial static generation not removed")
	}
}

// Activate purges obsolete generations and then marks the version active.
// Purge failures are logged and do not block activation.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.expect(StateWaiting); err != nil {
		return err
	}
	c.log("activate").Info("activating version")
	report, err := c.opts.Generations.Activate(ctx)
	if err != nil {
		c.log("activate").WithError(err).Warn("purge finished with errors")
	}
	c.log("activate").WithField("deleted", report.Deleted).Debug("purge complete")
	c.transition(StateActive)
	return nil
}

// SkipWaiting asks the host to promote this version without waiting for
// clients of the previous one to go away.
func (c *Controller) SkipWaiting() {
	c.mu.Lock()
	c.skipWaiting = true
	hook := c.onSkipWaiting
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *Controller) MarkRedundant() {
	c.mu.Lock()
	already := c.state == StateRedundant
	c.state = StateRedundant
	c.mu.Unlock()
	if !already {
		c.opts.Metrics.Transition(string(StateRedundant))
		c.log("redundant").Info("version discarded")
	}
}

func (c *Controller) expect(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, c.opts.Version, c.state, want)
	}
	return nil
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.opts.Metrics.Transition(string(to))
	c.opts.Logger.WithFields(logrus.Fields{
		"action":  "lifecycle",
		"version": c.opts.Version,
		"from":    from,
		"to":      to,
	}).Info("state changed")
}

func (c *Controller) log(action string) *logrus.Entry {
	return c.opts.Logger.WithFields(logrus.Fields{"action": action, "version": c.opts.Version})
}
