package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConsoleClearCacheWaitsForReply(t *testing.T) {
	env := newTestEnv(t, true)

	req := httptest.NewRequest(http.MethodPost, "/-/sw/message", strings.NewReader(`{"type":"CLEAR_CACHE"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, body := env.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"success":true`) {
		t.Fatalf("expected success reply, got %s", body)
	}

	_, body = env.do(t, httptest.NewRequest(http.MethodGet, "/-/sw/status", nil))
	if !strings.Contains(body, `"generations":[]`) {
		t.Fatalf("expected generations to be flushed, got %s", body)
	}
}

func TestConsoleDropsUnrecognizedMessage(t *testing.T) {
	env := newTestEnv(t, true)

	for _, payload := range []string{"", "not-json", `{"kind":"x"}`, `{"type":""}`, `["SKIP_WAITING"]`} {
		resp, body := env.do(t, httptest.NewRequest(http.MethodPost, "/-/sw/message", strings.NewReader(payload)))
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("payload %q: expected 202, got %d", payload, resp.StatusCode)
		}
		if strings.Contains(body, "error") {
			t.Fatalf("payload %q: unexpected error body %q", payload, body)
		}
	}
	env.host.Drain()

	gens, err := env.store.ListGenerations(context.Background())
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(gens) == 0 {
		t.Fatalf("dropped messages must not touch the cache")
	}
}

func TestConsoleAcceptsFireAndForgetMessage(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := env.do(t, httptest.NewRequest(http.MethodPost, "/-/sw/message", strings.NewReader(`{"type":"SKIP_WAITING"}`)))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestConsolePushAppearsInNotifications(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := env.do(t, httptest.NewRequest(http.MethodPost, "/-/sw/push", strings.NewReader("Order shipped")))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	env.host.Drain()

	_, body := env.do(t, httptest.NewRequest(http.MethodGet, "/-/sw/notifications", nil))
	if !strings.Contains(body, "Order shipped") || !strings.Contains(body, "AURUM") {
		t.Fatalf("expected notification in feed, got %s", body)
	}
}

func TestConsolePushWithoutActiveVersion(t *testing.T) {
	env := newTestEnv(t, false)

	resp, _ := env.do(t, httptest.NewRequest(http.MethodPost, "/-/sw/push", nil))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestConsoleStatusAndRelease(t *testing.T) {
	env := newTestEnv(t, true)
	env.host.Touch("tab-1")

	_, body := env.do(t, httptest.NewRequest(http.MethodGet, "/-/sw/status", nil))
	for _, want := range []string{`"build":"swproxy `, `"version":"1"`, `"state":"active"`, `"clients":1`, "aurum-v1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("status missing %s: %s", want, body)
		}
	}

	resp, _ := env.do(t, httptest.NewRequest(http.MethodPost, "/-/sw/clients/release?id=tab-1", nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := env.host.Status().Clients; got != 0 {
		t.Fatalf("expected no controlled clients, got %d", got)
	}

	resp, _ = env.do(t, httptest.NewRequest(http.MethodPost, "/-/sw/clients/release", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without client id, got %d", resp.StatusCode)
	}
}
