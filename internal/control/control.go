// Package control implements the message inbox that lets the controlling
// application force a takeover or flush the cache.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/generation"
	"github.com/any-hub/swproxy/internal/metrics"
)

const (
	TypeSkipWaiting = "SKIP_WAITING"
	TypeClearCache  = "CLEAR_CACHE"
)

type Message struct {
	Type string `json:"type"`
}

// Reply is sent on the port of a CLEAR_CACHE message.
type Reply struct {
	Success bool `json:"success"`
}

// Parse decodes a JSON object with a string "type" field. Any other shape
// yields ok=false and is meant to be dropped silently.
func Parse(raw []byte) (Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Message{}, false
	}
	rawType, ok := fields["type"]
	if !ok {
		return Message{}, false
	}
	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil || strings.TrimSpace(kind) == "" {
		return Message{}, false
	}
	return Message{Type: kind}, true
}

// Lifecycle is the part of a worker version a message can drive.
type Lifecycle interface {
	SkipWaiting()
}

type Flusher interface {
	Flush(ctx context.Context) (generation.Report, error)
}

type Handler struct {
	lifecycle Lifecycle
	flusher   Flusher
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewHandler(lifecycle Lifecycle, flusher Flusher, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{lifecycle: lifecycle, flusher: flusher, logger: logger, metrics: m}
}

// Handle applies msg. port may be nil; CLEAR_CACHE replies on it once every
// deletion attempt has finished, whatever their outcome.
func (h *Handler) Handle(ctx context.Context, msg Message, port chan<- Reply) {
	switch msg.Type {
	case TypeSkipWaiting:
		h.metrics.ControlMessage(msg.Type)
		h.logger.WithField("action", "control").Info("skip waiting requested")
		h.lifecycle.SkipWaiting()
	case TypeClearCache:
		h.metrics.ControlMessage(msg.Type)
		report, err := h.flusher.Flush(ctx)
		fields := logrus.Fields{"action": "control", "deleted": report.Deleted}
		if err != nil {
			h.logger.WithError(err).WithFields(fields).Warn("cache flush finished with errors")
		} else {
			h.logger.WithFields(fields).Info("cache flushed")
		}
		if port != nil {
			select {
			case port <- Reply{Success: true}:
			case <-ctx.Done():
			}
		}
	default:
		h.logger.WithFields(logrus.Fields{"action": "control", "type": msg.Type}).Debug("message ignored")
	}
}

// Receiver delivers a message to whichever version currently owns the inbox.
type Receiver interface {
	PostMessage(ctx context.Context, msg Message, port chan<- Reply) error
}

type envelope struct {
	msg  Message
	port chan<- Reply
}

// ErrInboxFull is returned by Post when the inbox buffer is exhausted.
var ErrInboxFull = errors.New("control inbox full")

// Channel is a buffered, ordered inbox drained by Run.
type Channel struct {
	inbox    chan envelope
	receiver Receiver
	logger   *logrus.Logger
}

func NewChannel(size int, receiver Receiver, logger *logrus.Logger) *Channel {
	if size <= 0 {
		size = 16
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Channel{inbox: make(chan envelope, size), receiver: receiver, logger: logger}
}

func (c *Channel) Post(msg Message, port chan<- Reply) error {
	select {
	case c.inbox <- envelope{msg: msg, port: port}:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run delivers messages one at a time until ctx is done.
func (c *Channel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.inbox:
			if err := c.receiver.PostMessage(ctx, env.msg, env.port); err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{"action": "control", "type": env.msg.Type}).Warn("message dropped")
			}
		}
	}
}
