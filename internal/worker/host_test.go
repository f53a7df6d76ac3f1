package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/lifecycle"
	"github.com/any-hub/swproxy/internal/policy"
	"github.com/any-hub/swproxy/internal/push"
)

type origin struct {
	*httptest.Server
	hits    sync.Map
	total   atomic.Int32
	failing atomic.Bool
	hold    atomic.Bool
	release chan struct{}
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{release: make(chan struct{})}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.hold.Load() {
			<-o.release
		}
		o.total.Add(1)
		count, _ := o.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		count.(*atomic.Int32).Add(1)
		if o.failing.Load() {
			http.Error(w, "broken", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "body:"+r.URL.Path)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) hitsFor(path string) int32 {
	if v, ok := o.hits.Load(path); ok {
		return v.(*atomic.Int32).Load()
	}
	return 0
}

type fixture struct {
	store  cache.Store
	origin *origin
	host   *Host
	feed   *push.Feed
	logger *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &fixture{
		store:  store,
		origin: newOrigin(t),
		host:   NewHost(logger, true),
		feed:   push.NewFeed(10),
		logger: logger,
	}
}

func (f *fixture) worker(version string, skipOnInstall bool, assets ...string) *Worker {
	if assets == nil {
		assets = []string{"/landing.html", "/app.html", "/manifest.json"}
	}
	cfg := &config.Config{
		Worker: config.WorkerConfig{
			AppName:              "aurum",
			Version:              version,
			Upstream:             f.origin.URL,
			StaticAssets:         assets,
			BypassHosts:          []string{"script.google.com"},
			LandingPage:          "/landing.html",
			StaticMatch:          policy.MatchExact,
			SkipWaitingOnInstall: skipOnInstall,
		},
		Notification: config.NotificationConfig{
			Title:       "AURUM",
			DefaultBody: "You have a new notification",
			Icon:        "/icon-192.png",
		},
	}
	return FromConfig(cfg, Deps{
		Store:    f.store,
		Fetcher:  http.DefaultClient,
		Notifier: f.feed,
		Logger:   f.logger,
	})
}

func (f *fixture) fetch(t *testing.T, path string) *policy.Result {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.origin.URL+path, nil)
	require.NoError(t, err)
	ev, err := f.host.Fetch(context.Background(), req)
	require.NoError(t, err)
	result, err := ev.Response()
	require.NoError(t, err)
	return result
}

func (f *fixture) generations(t *testing.T) []string {
	t.Helper()
	names, err := f.store.ListGenerations(context.Background())
	require.NoError(t, err)
	return names
}

func TestFirstRegistrationBecomesActive(t *testing.T) {
	f := newFixture(t)
	w := f.worker("1", false)

	require.NoError(t, f.host.Register(context.Background(), w))
	require.Same(t, w, f.host.Active())
	require.Equal(t, lifecycle.StateActive, w.State())

	before := f.origin.total.Load()
	result := f.fetch(t, "/app.html")
	require.Equal(t, policy.SourceCache, result.Source)
	require.Equal(t, before, f.origin.total.Load(), "cached static asset must not hit the network")
}

func TestFetchWithoutActiveVersion(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.origin.URL+"/app.html", nil)
	_, err := f.host.Fetch(context.Background(), req)
	require.ErrorIs(t, err, ErrNoActiveWorker)
	require.ErrorIs(t, f.host.Push(context.Background(), nil), ErrNoActiveWorker)
}

func TestWaitingVersionDefersWhileClientsAreControlled(t *testing.T) {
	f := newFixture(t)
	v1 := f.worker("1", false)
	require.NoError(t, f.host.Register(context.Background(), v1))
	f.host.Touch("client-a")

	v2 := f.worker("2", false)
	require.NoError(t, f.host.Register(context.Background(), v2))
	require.Same(t, v1, f.host.Active(), "old version keeps serving until takeover")
	require.Same(t, v2, f.host.Waiting())
	require.Equal(t, lifecycle.StateWaiting, v2.State())
	require.ElementsMatch(t, []string{"aurum-v1", "aurum-v2"}, f.generations(t))

	f.host.Release(context.Background(), "client-a")
	require.Same(t, v2, f.host.Active())
	require.Equal(t, lifecycle.StateRedundant, v1.State())
	require.Equal(t, []string{"aurum-v2"}, f.generations(t))
}

func TestSkipWaitingMessageForcesTakeover(t *testing.T) {
	f := newFixture(t)
	v1 := f.worker("1", false)
	require.NoError(t, f.host.Register(context.Background(), v1))
	f.host.Touch("client-a")

	v2 := f.worker("2", false)
	require.NoError(t, f.host.Register(context.Background(), v2))
	require.Same(t, v2, f.host.Waiting())

	require.NoError(t, f.host.PostMessage(context.Background(), control.Message{Type: control.TypeSkipWaiting}, nil))
	f.host.Drain()

	require.Same(t, v2, f.host.Active())
	require.Nil(t, f.host.Waiting())
	require.Equal(t, 1, f.host.Status().Active.Clients, "claimed client moves to the new version")
}

func TestSkipWaitingOnInstallTakesOverImmediately(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.worker("1", true)))
	f.host.Touch("client-a")

	v2 := f.worker("2", true)
	require.NoError(t, f.host.Register(context.Background(), v2))
	require.Same(t, v2, f.host.Active())
}

func TestInstallFailureKeepsCurrentVersion(t *testing.T) {
	f := newFixture(t)
	v1 := f.worker("1", true)
	require.NoError(t, f.host.Register(context.Background(), v1))

	f.origin.failing.Store(true)
	v2 := f.worker("2", true)
	require.Error(t, f.host.Register(context.Background(), v2))
	require.Equal(t, lifecycle.StateRedundant, v2.State())
	require.Same(t, v1, f.host.Active())
	require.Nil(t, f.host.Waiting())
	require.Equal(t, []string{"aurum-v1"}, f.generations(t))
}

func TestClearCacheMessageReplies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.worker("1", true)))
	f.fetch(t, "/api/data")
	f.host.Drain()
	require.Contains(t, f.generations(t), "aurum-runtime")

	for i := 0; i < 2; i++ {
		port := make(chan control.Reply, 1)
		require.NoError(t, f.host.PostMessage(context.Background(), control.Message{Type: control.TypeClearCache}, port))
		select {
		case reply := <-port:
			require.True(t, reply.Success)
		case <-time.After(5 * time.Second):
			t.Fatalf("no reply for CLEAR_CACHE")
		}
		f.host.Drain()
		require.Empty(t, f.generations(t))
	}
}

func TestRuntimeWriteCompletesBeforeDrain(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.worker("1", true)))

	result := f.fetch(t, "/api/data")
	body, _ := io.ReadAll(result.Response.Body)
	require.Equal(t, "body:/api/data", string(body))
	f.host.Drain()

	id, err := cache.IdentityFor(http.MethodGet, f.origin.URL+"/api/data")
	require.NoError(t, err)
	stored, ok, err := f.store.Get(context.Background(), "aurum-runtime", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "body:/api/data", string(stored.Body))
}

func TestPushShowsNotification(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.worker("1", true)))

	require.NoError(t, f.host.Push(context.Background(), []byte("Order shipped")))
	require.NoError(t, f.host.Push(context.Background(), nil))
	f.host.Drain()

	items := f.feed.Items()
	require.Len(t, items, 2)
	bodies := []string{items[0].Options.Body, items[1].Options.Body}
	require.ElementsMatch(t, []string{"Order shipped", "You have a new notification"}, bodies)
	require.Equal(t, "AURUM", items[0].Title)
}

func TestDispatchUnknownKind(t *testing.T) {
	f := newFixture(t)
	w := f.worker("1", true)
	ev := w.Dispatch(newEvent(context.Background(), Kind("sync")))
	require.Error(t, ev.Wait())
	require.Error(t, ev.Wait(), "Wait is repeatable")
}

func TestSkipWaitingDuringInstallIsHonoured(t *testing.T) {
	f := newFixture(t)
	v1 := f.worker("1", false)
	require.NoError(t, f.host.Register(context.Background(), v1))
	f.host.Touch("client-a")

	f.origin.hold.Store(true)
	v2 := f.worker("2", false)
	done := make(chan error, 1)
	go func() { done <- f.host.Register(context.Background(), v2) }()

	require.Eventually(t, func() bool {
		return f.host.Status().Installing != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.host.PostMessage(context.Background(), control.Message{Type: control.TypeSkipWaiting}, nil))
	f.host.Drain()
	require.True(t, v2.Controller().SkipRequested())
	require.Same(t, v1, f.host.Active())

	f.origin.hold.Store(false)
	close(f.origin.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("install did not finish")
	}

	require.Same(t, v2, f.host.Active(), "skip requested during install forces takeover")
	require.Nil(t, f.host.Status().Installing)
	require.Equal(t, lifecycle.StateRedundant, v1.State())
}
