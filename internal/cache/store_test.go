package cache

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		BackendFS:     newTestStore,
		BackendSQLite: newTestSQLiteStore,
	}
}

func TestStorePutAndGet(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			id := mustIdentity(t, "https://app.example.com/app.html")
			stored := sampleResponse("<html>app</html>")

			if err := store.Put(context.Background(), "aurum-v2.4", id, stored); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, ok, err := store.Get(context.Background(), "aurum-v2.4", id)
			if err != nil {
				t.Fatalf("get error: %v", err)
			}
			if !ok {
				t.Fatalf("expected hit")
			}
			if string(got.Body) != "<html>app</html>" {
				t.Fatalf("body mismatch: %s", got.Body)
			}
			if got.Status != http.StatusOK {
				t.Fatalf("status mismatch: %d", got.Status)
			}
			if got.Header.Get("Content-Type") != "text/html" {
				t.Fatalf("content-type mismatch: %s", got.Header.Get("Content-Type"))
			}
			if !got.StoredAt.Equal(stored.StoredAt) {
				t.Fatalf("stored-at mismatch: expected %v got %v", stored.StoredAt, got.StoredAt)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			got, ok, err := store.Get(context.Background(), "aurum-runtime", mustIdentity(t, "https://app.example.com/missing"))
			if err != nil {
				t.Fatalf("miss must not be an error, got %v", err)
			}
			if ok || got != nil {
				t.Fatalf("expected miss")
			}
		})
	}
}

func TestStoreGenerationsAreIsolated(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			id := mustIdentity(t, "https://app.example.com/data.json")
			if err := store.Put(context.Background(), "aurum-runtime", id, sampleResponse("runtime")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			if _, ok, _ := store.Get(context.Background(), "aurum-v2.4", id); ok {
				t.Fatalf("entry leaked across generations")
			}
		})
	}
}

func TestStoreOverwriteLastWriteWins(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			id := mustIdentity(t, "https://app.example.com/data.json")
			for _, body := range []string{"one", "two"} {
				if err := store.Put(context.Background(), "aurum-runtime", id, sampleResponse(body)); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}
			got, ok, err := store.Get(context.Background(), "aurum-runtime", id)
			if err != nil || !ok {
				t.Fatalf("expected hit, ok=%v err=%v", ok, err)
			}
			if string(got.Body) != "two" {
				t.Fatalf("expected last write, got %s", got.Body)
			}
		})
	}
}

func TestStoreDeleteAndListGenerations(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			id := mustIdentity(t, "https://app.example.com/")
			for _, gen := range []string{"aurum-v1", "aurum-v2", "aurum-runtime"} {
				if err := store.Put(context.Background(), gen, id, sampleResponse(gen)); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}

			names, err := store.ListGenerations(context.Background())
			if err != nil {
				t.Fatalf("list error: %v", err)
			}
			if strings.Join(names, ",") != "aurum-runtime,aurum-v1,aurum-v2" {
				t.Fatalf("unexpected generations: %v", names)
			}

			deleted, err := store.DeleteGeneration(context.Background(), "aurum-v1")
			if err != nil || !deleted {
				t.Fatalf("expected delete, deleted=%v err=%v", deleted, err)
			}
			deleted, err = store.DeleteGeneration(context.Background(), "aurum-v1")
			if err != nil || deleted {
				t.Fatalf("second delete should report absent, deleted=%v err=%v", deleted, err)
			}

			names, _ = store.ListGenerations(context.Background())
			if strings.Join(names, ",") != "aurum-runtime,aurum-v2" {
				t.Fatalf("unexpected generations after delete: %v", names)
			}
		})
	}
}

func TestStoreRejectsNonGet(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			id, err := IdentityFor(http.MethodPost, "https://app.example.com/form")
			if err != nil {
				t.Fatalf("identity error: %v", err)
			}
			if err := store.Put(context.Background(), "aurum-runtime", id, sampleResponse("x")); err != ErrNotCacheable {
				t.Fatalf("expected ErrNotCacheable, got %v", err)
			}
			if _, ok, err := store.Get(context.Background(), "aurum-runtime", id); ok || err != nil {
				t.Fatalf("non-GET lookup must miss, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestStoreRejectsInvalidGeneration(t *testing.T) {
	store := newTestStore(t)
	id := mustIdentity(t, "https://app.example.com/")
	if err := store.Put(context.Background(), "../escape", id, sampleResponse("x")); err != ErrInvalidGeneration {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := mustIdentity(t, "https://app.example.com/item/"+string(rune('a'+i)))
			if err := store.Put(context.Background(), "aurum-runtime", id, sampleResponse("v")); err != nil {
				t.Errorf("put error: %v", err)
			}
			shared := mustIdentity(t, "https://app.example.com/shared")
			if err := store.Put(context.Background(), "aurum-runtime", shared, sampleResponse("shared")); err != nil {
				t.Errorf("shared put error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, ok, err := store.Get(context.Background(), "aurum-runtime", mustIdentity(t, "https://app.example.com/shared"))
	if err != nil || !ok || string(got.Body) != "shared" {
		t.Fatalf("shared entry corrupted: ok=%v err=%v", ok, err)
	}
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	id := mustIdentity(t, "https://app.example.com/dir")

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	filePath, err := fs.entryPath("aurum-runtime", id)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, ok, err := store.Get(context.Background(), "aurum-runtime", id); ok || err != nil {
		t.Fatalf("directory should read as miss, ok=%v err=%v", ok, err)
	}
}

func TestMatchAnyPrefersGivenGenerations(t *testing.T) {
	store := newTestStore(t)
	id := mustIdentity(t, "https://app.example.com/landing.html")
	_ = store.Put(context.Background(), "aurum-v1", id, sampleResponse("old"))
	_ = store.Put(context.Background(), "aurum-v2", id, sampleResponse("new"))

	got, gen, ok, err := MatchAny(context.Background(), store, id, "aurum-runtime", "aurum-v2")
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	if gen != "aurum-v2" || string(got.Body) != "new" {
		t.Fatalf("preferred generation not used: %s %s", gen, got.Body)
	}

	got, gen, ok, _ = MatchAny(context.Background(), store, id, "aurum-runtime")
	if !ok || gen != "aurum-v1" || string(got.Body) != "old" {
		t.Fatalf("expected sorted fallback to aurum-v1, got %s", gen)
	}
}

func TestSnapshotProducesIndependentCopies(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}, "Transfer-Encoding": []string{"chunked"}},
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}
	caller, stored, err := Snapshot(resp)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}

	body, _ := io.ReadAll(caller.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("caller body mismatch: %s", body)
	}
	body[0] = 'X'
	if string(stored.Body) != `{"ok":true}` {
		t.Fatalf("stored copy must not share memory with caller copy")
	}
	if stored.Header.Get("Transfer-Encoding") != "" {
		t.Fatalf("framing headers must not be stored")
	}

	first, _ := io.ReadAll(stored.Response(nil).Body)
	second, _ := io.ReadAll(stored.Response(nil).Body)
	if string(first) != string(second) {
		t.Fatalf("each Response() must be independently readable")
	}
}

func TestIdentityNormalization(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want string
	}{
		{"default https port", "HTTPS://App.Example.com:443/app.html#top", "GET https://app.example.com/app.html"},
		{"default http port", "http://app.example.com:80", "GET http://app.example.com/"},
		{"custom port kept", "http://app.example.com:8080/x?b=2&a=1", "GET http://app.example.com:8080/x?b=2&a=1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := IdentityFor("get", tc.raw)
			if err != nil {
				t.Fatalf("identity error: %v", err)
			}
			if id.Key() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, id.Key())
			}
		})
	}

	req, _ := http.NewRequest(http.MethodGet, "/app.html", nil)
	req.Host = "app.example.com"
	if got := NewIdentity(req).Key(); got != "GET http://app.example.com/app.html" {
		t.Fatalf("relative request identity mismatch: %s", got)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(BackendSQLite, dir)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.(*SQLiteStore).Close() })
	if _, err := os.Stat(filepath.Join(dir, "swproxy.db")); err != nil {
		t.Fatalf("expected sqlite file: %v", err)
	}
	if _, err := Open("redis", dir); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustIdentity(t *testing.T, raw string) Identity {
	t.Helper()
	id, err := IdentityFor(http.MethodGet, raw)
	if err != nil {
		t.Fatalf("identity error: %v", err)
	}
	return id
}

func sampleResponse(body string) *StoredResponse {
	return &StoredResponse{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}
