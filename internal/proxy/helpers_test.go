package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/push"
	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/worker"
)

type testEnv struct {
	origin  *httptest.Server
	hits    atomic.Int32
	cfg     *config.Config
	store   cache.Store
	host    *worker.Host
	feed    *push.Feed
	inbox   *control.Channel
	logger  *logrus.Logger
	app     *fiber.App
	handler *Handler
}

func newTestEnv(t *testing.T, register bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, register, nil)
}

// newTestEnvWith lets a test adjust the config before the worker is registered.
func newTestEnvWith(t *testing.T, register bool, adjust func(cfg *config.Config, originURL string)) *testEnv {
	t.Helper()

	env := &testEnv{}
	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "origin:"+r.URL.Path)
	}))
	t.Cleanup(env.origin.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	env.store = store
	env.logger = logrus.New()
	env.logger.SetOutput(io.Discard)
	env.feed = push.NewFeed(10)
	env.host = worker.NewHost(env.logger, true)

	env.cfg = &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
		},
		Worker: config.WorkerConfig{
			AppName:              "aurum",
			Version:              "1",
			Upstream:             env.origin.URL,
			StaticAssets:         []string{"/landing.html", "/app.html"},
			LandingPage:          "/landing.html",
			StaticMatch:          "exact",
			SkipWaitingOnInstall: true,
			ClaimClients:         true,
		},
		Notification: config.NotificationConfig{
			Title:       "AURUM",
			DefaultBody: "You have a new notification",
		},
	}

	if adjust != nil {
		adjust(env.cfg, env.origin.URL)
	}

	client := server.NewUpstreamClient(env.cfg)
	if register {
		w := worker.FromConfig(env.cfg, worker.Deps{
			Store:    store,
			Fetcher:  client,
			Notifier: env.feed,
			Logger:   env.logger,
		})
		if err := env.host.Register(context.Background(), w); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.inbox = control.NewChannel(4, env.host, env.logger)
	go env.inbox.Run(ctx)

	resolver, err := server.NewTargetResolver(env.cfg)
	if err != nil {
		t.Fatalf("resolver init failed: %v", err)
	}
	env.handler = NewHandler(env.host, resolver, client, env.logger)
	app, err := server.NewApp(server.AppOptions{
		Logger: env.logger,
		Proxy:  env.handler,
		Console: NewConsole(ConsoleOptions{
			Host:   env.host,
			Inbox:  env.inbox,
			Feed:   env.feed,
			Store:  store,
			Logger: env.logger,
		}),
	})
	if err != nil {
		t.Fatalf("app init failed: %v", err)
	}
	env.app = app
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}
