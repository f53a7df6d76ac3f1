package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/metrics"
	"github.com/any-hub/swproxy/internal/proxy"
	"github.com/any-hub/swproxy/internal/push"
	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/worker"
)

const (
	notificationFeedSize = 50
	controlInboxSize     = 16
	shutdownTimeout      = 10 * time.Second
)

// runtime 持有进程内共享的存储、worker 宿主与监听入口。
type runtime struct {
	logger  *logrus.Logger
	store   cache.Store
	metrics *metrics.Metrics
	client  *http.Client
	host    *worker.Host
	feed    *push.Feed
	inbox   *control.Channel

	app       *fiber.App
	forwarder *proxy.Forwarder

	mu  sync.Mutex
	cfg *config.Config
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtime, error) {
	store, err := cache.Open(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	rt := &runtime{
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
		client:  server.NewUpstreamClient(cfg),
		host:    worker.NewHost(logger, cfg.Worker.ClaimClients),
		feed:    push.NewFeed(notificationFeedSize),
		cfg:     cfg,
	}
	rt.inbox = control.NewChannel(controlInboxSize, rt.host, logger)
	go rt.inbox.Run(ctx)

	if err := rt.host.Register(ctx, worker.FromConfig(cfg, rt.deps())); err != nil {
		rt.close()
		return nil, fmt.Errorf("install worker %s: %w", cfg.Worker.GenerationPrefix(), err)
	}

	resolver, err := server.NewTargetResolver(cfg)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.app, err = server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxy.NewHandler(rt.host, resolver, rt.client, logger),
		Console: proxy.NewConsole(proxy.ConsoleOptions{
			Host:   rt.host,
			Inbox:  rt.inbox,
			Feed:   rt.feed,
			Store:  store,
			Logger: logger,
		}),
		Metrics: rt.metrics.Handler(),
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	if cfg.Global.ForwardProxyPort > 0 {
		rt.forwarder = proxy.NewForwarder(rt.host, logger)
	}
	return rt, nil
}

func (rt *runtime) deps() worker.Deps {
	return worker.Deps{
		Store:    rt.store,
		Fetcher:  rt.client,
		Notifier: push.Fanout{rt.feed, push.LogNotifier{Logger: rt.logger}},
		Logger:   rt.logger,
		Metrics:  rt.metrics,
	}
}

// reload 在 Worker.Version 变化时安装新版本，其余字段变化只记录日志。
func (rt *runtime) reload(ctx context.Context, next *config.Config) error {
	rt.mu.Lock()
	current := rt.cfg
	rt.mu.Unlock()

	fields := logrus.Fields{
		"action":  "reload",
		"current": current.Worker.GenerationPrefix(),
		"next":    next.Worker.GenerationPrefix(),
	}
	if next.Worker.AppName == current.Worker.AppName && next.Worker.Version == current.Worker.Version {
		rt.logger.WithFields(fields).Info("worker version unchanged, reload skipped")
		return nil
	}
	if next.Global != current.Global {
		rt.logger.WithFields(fields).Warn("global settings changed, restart required to apply them")
	}

	if err := rt.host.Register(ctx, worker.FromConfig(next, rt.deps())); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.cfg = next
	rt.mu.Unlock()
	logging.SetWorker(rt.logger, next.Worker)
	rt.logger.WithFields(fields).Info("new worker version registered")
	return nil
}

// serve 阻塞直到 ctx 结束或任一监听失败，然后优雅关闭。
func (rt *runtime) serve(ctx context.Context) error {
	rt.mu.Lock()
	global := rt.cfg.Global
	rt.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := pool.New().WithErrors()
	p.Go(func() error {
		defer cancel()
		rt.logger.WithFields(logrus.Fields{"action": "listen", "port": global.ListenPort}).Info("Fiber 服务启动")
		return rt.app.Listen(fmt.Sprintf(":%d", global.ListenPort), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	})

	var forward *http.Server
	if rt.forwarder != nil {
		forward = &http.Server{
			Addr:              fmt.Sprintf(":%d", global.ForwardProxyPort),
			Handler:           rt.forwarder,
			ReadHeaderTimeout: 30 * time.Second,
		}
		p.Go(func() error {
			defer cancel()
			rt.logger.WithFields(logrus.Fields{"action": "listen", "port": global.ForwardProxyPort}).Info("正向代理启动")
			if err := forward.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	p.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		err := rt.app.ShutdownWithContext(shutdownCtx)
		if forward != nil {
			err = multierr.Append(err, forward.Shutdown(shutdownCtx))
		}
		return err
	})

	return p.Wait()
}

// close 等待后台写入完成后释放存储。
func (rt *runtime) close() {
	rt.host.Drain()
	if closer, ok := rt.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			rt.logger.WithError(err).WithField("action", "shutdown").Warn("close cache store failed")
		}
	}
}
