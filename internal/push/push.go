// Package push turns push events into notifications. The payload is treated
// as free text; no schema is enforced.
package push

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Options mirrors the notification display options.
type Options struct {
	Body    string `json:"body"`
	Icon    string `json:"icon,omitempty"`
	Badge   string `json:"badge,omitempty"`
	Vibrate []int  `json:"vibrate,omitempty"`
}

type Notification struct {
	Title   string    `json:"title"`
	Options Options   `json:"options"`
	ShownAt time.Time `json:"shown_at"`
}

// Notifier is the notification display collaborator.
type Notifier interface {
	ShowNotification(ctx context.Context, title string, opts Options) error
}

// Defaults 来自 [Notification] 配置段。
type Defaults struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
	Vibrate     []int
}

// Build derives the title and options for a push payload. An empty payload
// uses the default body.
func Build(d Defaults, data []byte) (string, Options) {
	body := string(data)
	if strings.TrimSpace(body) == "" {
		body = d.DefaultBody
	}
	return d.Title, Options{
		Body:    body,
		Icon:    d.Icon,
		Badge:   d.Badge,
		Vibrate: append([]int(nil), d.Vibrate...),
	}
}

type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) ShowNotification(_ context.Context, title string, opts Options) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"action": "notification",
		"title":  title,
		"body":   opts.Body,
		"icon":   opts.Icon,
		"badge":  opts.Badge,
	}).Info("notification shown")
	return nil
}

// Feed keeps the most recent notifications in memory, newest last.
type Feed struct {
	mu    sync.Mutex
	limit int
	items []Notification
	now   func() time.Time
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 50
	}
	return &Feed{limit: limit, now: time.Now}
}

func (f *Feed) ShowNotification(_ context.Context, title string, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, Notification{Title: title, Options: opts, ShownAt: f.now().UTC()})
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append([]Notification(nil), f.items[over:]...)
	}
	return nil
}

func (f *Feed) Items() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.items...)
}

// Fanout shows the notification on every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) ShowNotification(ctx context.Context, title string, opts Options) error {
	var errs error
	for _, n := range f {
		errs = multierr.Append(errs, n.ShowNotification(ctx, title, opts))
	}
	return errs
}
