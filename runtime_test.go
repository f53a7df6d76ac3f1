package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/swproxy/internal/config"
)

func newRuntimeConfig(t *testing.T, upstream, version, backend string) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   5000,
			LogLevel:     "info",
			StoragePath:  t.TempDir(),
			StoreBackend: backend,
		},
		Worker: config.WorkerConfig{
			AppName:              "aurum",
			Version:              version,
			Upstream:             upstream,
			StaticAssets:         []string{"/index.html", "/app.js"},
			LandingPage:          "/index.html",
			StaticMatch:          "exact",
			SkipWaitingOnInstall: true,
			ClaimClients:         true,
		},
		Notification: config.NotificationConfig{Title: "AURUM", DefaultBody: "You have a new notification"},
	}
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin:"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRuntimeServesThroughActiveVersion(t *testing.T) {
	for _, backend := range []string{"fs", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			origin := newOrigin(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := newRuntime(ctx, newRuntimeConfig(t, origin.URL, "1", backend), quietLogger())
			require.NoError(t, err)
			defer rt.close()

			resp, err := rt.app.Test(httptest.NewRequest(http.MethodGet, "/app.js", nil))
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			require.Equal(t, "origin:/app.js", string(body))
			require.Equal(t, "cache", resp.Header.Get("X-Swproxy-Source"))

			resp, err = rt.app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
			require.NoError(t, err)
			body, _ = io.ReadAll(resp.Body)
			require.Contains(t, string(body), "swproxy_requests_total")
		})
	}
}

func TestRuntimeReloadRegistersNewVersion(t *testing.T) {
	origin := newOrigin(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := newRuntimeConfig(t, origin.URL, "1", "fs")
	rt, err := newRuntime(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer rt.close()

	same := *cfg
	require.NoError(t, rt.reload(ctx, &same))
	require.Equal(t, "1", rt.host.Active().Version())

	next := *cfg
	next.Worker.Version = "2"
	require.NoError(t, rt.reload(ctx, &next))
	require.Equal(t, "2", rt.host.Active().Version())

	names, err := rt.store.ListGenerations(ctx)
	require.NoError(t, err)
	for _, name := range names {
		require.False(t, strings.HasPrefix(name, "aurum-v1"), "old generation %s should be purged", name)
	}
}

func TestRuntimeFailsWhenInstallFails(t *testing.T) {
	origin := newOrigin(t)
	cfg := newRuntimeConfig(t, origin.URL, "1", "fs")
	origin.Close()

	_, err := newRuntime(context.Background(), cfg, quietLogger())
	require.Error(t, err)
}
