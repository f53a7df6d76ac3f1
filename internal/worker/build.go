package worker

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/generation"
	"github.com/any-hub/swproxy/internal/lifecycle"
	"github.com/any-hub/swproxy/internal/metrics"
	"github.com/any-hub/swproxy/internal/policy"
	"github.com/any-hub/swproxy/internal/push"
)

// Deps are shared by every version the process hosts.
type Deps struct {
	Store    cache.Store
	Fetcher  policy.Fetcher
	Notifier push.Notifier
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// FromConfig wires one worker version from the [Worker] and [Notification]
// sections. The version starts in the installing state.
func FromConfig(cfg *config.Config, deps Deps) *Worker {
	wc := cfg.Worker
	names := generation.NewNames(wc.AppName, wc.Version)
	manager := generation.NewManager(deps.Store, names, deps.Logger, deps.Metrics)

	controller := lifecycle.NewController(lifecycle.Options{
		Version:      wc.Version,
		Origin:       wc.UpstreamURL(),
		StaticAssets: wc.StaticAssets,
		Store:        deps.Store,
		Generations:  manager,
		Fetcher:      deps.Fetcher,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	})

	rules := policy.Rules{
		Origin:         wc.UpstreamURL(),
		StaticAssets:   wc.StaticAssets,
		BypassHosts:    wc.BypassHosts,
		StaticMatch:    wc.StaticMatch,
		LandingPage:    wc.LandingPage,
		OfflineMessage: wc.OfflineMessage,
	}

	nc := cfg.Notification
	return New(Options{
		Version:    wc.Version,
		Controller: controller,
		Policy:     policy.New(rules, deps.Store, names, deps.Fetcher, deps.Logger, deps.Metrics),
		Control:    control.NewHandler(controller, manager, deps.Logger, deps.Metrics),
		Notifier:   deps.Notifier,
		Notification: push.Defaults{
			Title:       nc.Title,
			DefaultBody: nc.DefaultBody,
			Icon:        nc.Icon,
			Badge:       nc.Badge,
			Vibrate:     nc.Vibrate,
		},
		SkipWaitingOnInstall: wc.SkipWaitingOnInstall,
		Logger:               deps.Logger,
		Metrics:              deps.Metrics,
	})
}
