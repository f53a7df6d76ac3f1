// Package worker hosts worker versions: each version dispatches host events
// through a single table, and the Host decides which version is waiting,
// which is active and which clients it controls.
package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/lifecycle"
	"github.com/any-hub/swproxy/internal/metrics"
	"github.com/any-hub/swproxy/internal/policy"
	"github.com/any-hub/swproxy/internal/push"
)

// HandlerFunc handles one event. Work that must outlive the call is
// registered with ev.WaitUntil.
type HandlerFunc func(ev *Event) error

type Options struct {
	Version              string
	Controller           *lifecycle.Controller
	Policy               *policy.Policy
	Control              *control.Handler
	Notifier             push.Notifier
	Notification         push.Defaults
	SkipWaitingOnInstall bool
	Logger               *logrus.Logger
	Metrics              *metrics.Metrics
}

type Worker struct {
	opts  Options
	table map[Kind]HandlerFunc
}

func New(opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	w := &Worker{opts: opts}
	w.table = map[Kind]HandlerFunc{
		KindInstall:  w.onInstall,
		KindActivate: w.onActivate,
		KindFetch:    w.onFetch,
		KindMessage:  w.onMessage,
		KindPush:     w.onPush,
	}
	return w
}

func (w *Worker) Version() string {
	return w.opts.Version
}

func (w *Worker) State() lifecycle.State {
	return w.opts.Controller.State()
}

func (w *Worker) Controller() *lifecycle.Controller {
	return w.opts.Controller
}

// Dispatch runs the handler registered for ev.Kind and returns ev, which
// acts as the future for any background work.
func (w *Worker) Dispatch(ev *Event) *Event {
	ev.version = w.opts.Version
	handler, ok := w.table[ev.Kind]
	if !ok {
		ev.fail(fmt.Errorf("no handler for %s event", ev.Kind))
		return ev
	}
	if err := handler(ev); err != nil {
		ev.fail(err)
	}
	return ev
}

func (w *Worker) onInstall(ev *Event) error {
	ev.WaitUntil(func(ctx context.Context) error {
		if err := w.opts.Controller.Install(ctx); err != nil {
			return err
		}
		if w.opts.SkipWaitingOnInstall {
			w.opts.Controller.SkipWaiting()
		}
		return nil
	})
	return nil
}

func (w *Worker) onActivate(ev *Event) error {
	ev.WaitUntil(w.opts.Controller.Activate)
	return nil
}

func (w *Worker) onFetch(ev *Event) error {
	if ev.Request == nil {
		return fmt.Errorf("fetch event without request")
	}
	result, err := w.opts.Policy.Handle(ev.Context(), ev.Request, ev)
	ev.RespondWith(result, err)
	return nil
}

func (w *Worker) onMessage(ev *Event) error {
	ev.WaitUntil(func(ctx context.Context) error {
		w.opts.Control.Handle(ctx, ev.Message, ev.Port)
		return nil
	})
	return nil
}

func (w *Worker) onPush(ev *Event) error {
	if w.opts.Notifier == nil {
		return nil
	}
	title, opts := push.Build(w.opts.Notification, ev.Data)
	ev.WaitUntil(func(ctx context.Context) error {
		if err := w.opts.Notifier.ShowNotification(ctx, title, opts); err != nil {
			w.opts.Logger.WithError(err).WithFields(logrus.Fields{
				"action":  "push",
				"version": w.opts.Version,
			}).Warn("notification failed")
			return err
		}
		w.opts.Metrics.PushDelivered()
		return nil
	})
	return nil
}
