package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/lifecycle"
)

// ErrNoActiveWorker 表示尚无可处理事件的版本。
var ErrNoActiveWorker = errors.New("no active worker")

// Host 模拟浏览器对 worker 版本的管理：安装、等待、激活与客户端归属。
// 所有 fetch 都交给当前 active 版本；客户端归属只用于判断 waiting 版本何时可以接管。
type Host struct {
	logger *logrus.Logger
	claim  bool

	mu         sync.Mutex
	active     *Worker
	waiting    *Worker
	installing *Worker
	clients    map[string]*Worker

	pending conc.WaitGroup
}

func NewHost(logger *logrus.Logger, claimClients bool) *Host {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Host{
		logger:  logger,
		claim:   claimClients,
		clients: make(map[string]*Worker),
	}
}

// Register installs w and, when allowed, promotes it to active. An install
// failure leaves the current versions untouched and returns the error.
func (h *Host) Register(ctx context.Context, w *Worker) error {
	w.Controller().OnSkipWaiting(func() {
		h.promote(context.WithoutCancel(ctx))
	})

	h.mu.Lock()
	h.installing = w
	h.mu.Unlock()

	err := w.Dispatch(newEvent(ctx, KindInstall)).Wait()

	h.mu.Lock()
	if h.installing == w {
		h.installing = nil
	}
	if err != nil {
		h.mu.Unlock()
		return err
	}
	prev := h.waiting
	h.waiting = w
	h.mu.Unlock()
	if prev != nil && prev != w {
		prev.Controller().MarkRedundant()
	}

	h.logger.WithFields(logrus.Fields{"action": "register", "version": w.Version()}).Info("version installed")
	h.promote(ctx)
	return nil
}

// promote activates the waiting version while the takeover conditions hold:
// nothing is active, the waiting version asked to skip waiting, or the
// active version controls no client.
func (h *Host) promote(ctx context.Context) {
	for {
		h.mu.Lock()
		next := h.waiting
		if next == nil || !h.canPromoteLocked(next) {
			h.mu.Unlock()
			return
		}
		h.waiting = nil
		h.mu.Unlock()

		if err := next.Dispatch(newEvent(ctx, KindActivate)).Wait(); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{"action": "activate", "version": next.Version()}).Error("activation failed")
			next.Controller().MarkRedundant()
			continue
		}

		h.mu.Lock()
		prev := h.active
		h.active = next
		claimed := 0
		if h.claim {
			for id := range h.clients {
				h.clients[id] = next
				claimed++
			}
		}
		h.mu.Unlock()

		if prev != nil && prev != next {
			prev.Controller().MarkRedundant()
		}
		h.logger.WithFields(logrus.Fields{
			"action":  "activate",
			"version": next.Version(),
			"claimed": claimed,
		}).Info("version active")
	}
}

func (h *Host) canPromoteLocked(next *Worker) bool {
	if h.active == nil {
		return true
	}
	if next.Controller().SkipRequested() {
		return true
	}
	return h.countLocked(h.active) == 0
}

func (h *Host) countLocked(w *Worker) int {
	n := 0
	for _, owner := range h.clients {
		if owner == w {
			n++
		}
	}
	return n
}

// Touch binds a client to the active version the first time it is seen.
func (h *Host) Touch(clientID string) {
	if clientID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok && h.active != nil {
		h.clients[clientID] = h.active
	}
}

// Release forgets a client and re-evaluates a pending takeover.
func (h *Host) Release(ctx context.Context, clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
	h.promote(ctx)
}

// Fetch dispatches a fetch event to the active version. The response is
// available from the returned event immediately; its background work is
// tracked until Drain.
func (h *Host) Fetch(ctx context.Context, req *http.Request) (*Event, error) {
	w := h.Active()
	if w == nil {
		return nil, ErrNoActiveWorker
	}
	ev := w.Dispatch(NewFetchEvent(ctx, req))
	h.track(w, ev)
	return ev, nil
}

// PostMessage implements control.Receiver. The newest version receives the
// message: installing, then waiting, then active. SKIP_WAITING therefore
// reaches the version that needs it; a skip requested during install is
// honoured once the install completes.
func (h *Host) PostMessage(ctx context.Context, msg control.Message, port chan<- control.Reply) error {
	h.mu.Lock()
	target := h.installing
	if target == nil {
		target = h.waiting
	}
	if target == nil {
		target = h.active
	}
	h.mu.Unlock()
	if target == nil {
		return ErrNoActiveWorker
	}
	h.track(target, target.Dispatch(NewMessageEvent(ctx, msg, port)))
	return nil
}

func (h *Host) Push(ctx context.Context, data []byte) error {
	w := h.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	h.track(w, w.Dispatch(NewPushEvent(ctx, data)))
	return nil
}

func (h *Host) Active() *Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Host) Waiting() *Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting
}

// Drain waits for every tracked event to settle.
func (h *Host) Drain() {
	h.pending.Wait()
}

func (h *Host) track(w *Worker, ev *Event) {
	h.pending.Go(func() {
		if err := ev.Wait(); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action":  string(ev.Kind),
				"version": w.Version(),
			}).Warn("event settled with error")
		}
	})
}

type VersionStatus struct {
	Version string          `json:"version"`
	State   lifecycle.State `json:"state"`
	Clients int             `json:"clients"`
}

type Status struct {
	Active     *VersionStatus `json:"active,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Installing *VersionStatus `json:"installing,omitempty"`
	Clients    int            `json:"clients"`
}

func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := Status{Clients: len(h.clients)}
	if h.active != nil {
		status.Active = &VersionStatus{Version: h.active.Version(), State: h.active.State(), Clients: h.countLocked(h.active)}
	}
	if h.waiting != nil {
		status.Waiting = &VersionStatus{Version: h.waiting.Version(), State: h.waiting.State(), Clients: h.countLocked(h.waiting)}
	}
	if h.installing != nil {
		status.Installing = &VersionStatus{Version: h.installing.Version(), State: h.installing.State()}
	}
	return status
}
