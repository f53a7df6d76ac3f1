package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/control"
	"github.com/any-hub/swproxy/internal/push"
	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/version"
	"github.com/any-hub/swproxy/internal/worker"
)

// HostControl 是控制台需要的 worker.Host 能力。
type HostControl interface {
	Status() worker.Status
	Push(ctx context.Context, data []byte) error
	Release(ctx context.Context, clientID string)
}

// Console 实现 server.ConsoleHandler，对外提供 postMessage、push 与状态查询。
type Console struct {
	host         HostControl
	inbox        *control.Channel
	feed         *push.Feed
	store        cache.Store
	logger       *logrus.Logger
	replyTimeout time.Duration
}

// ConsoleOptions wires the console endpoints.
type ConsoleOptions struct {
	Host         HostControl
	Inbox        *control.Channel
	Feed         *push.Feed
	Store        cache.Store
	Logger       *logrus.Logger
	ReplyTimeout time.Duration
}

func NewConsole(opts ConsoleOptions) *Console {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 10 * time.Second
	}
	return &Console{
		host:         opts.Host,
		inbox:        opts.Inbox,
		feed:         opts.Feed,
		store:        opts.Store,
		logger:       opts.Logger,
		replyTimeout: opts.ReplyTimeout,
	}
}

type statusBody struct {
	Build       string        `json:"build"`
	Worker      worker.Status `json:"worker"`
	Generations []string      `json:"generations"`
}

func (s *Console) Status(c fiber.Ctx) error {
	body := statusBody{Build: version.Full(), Worker: s.host.Status(), Generations: []string{}}
	if s.store != nil {
		names, err := s.store.ListGenerations(c.Context())
		if err != nil {
			s.logger.WithError(err).WithField("action", "status").Warn("list_generations_failed")
			return writeError(c, fiber.StatusInternalServerError, "store_unavailable")
		}
		if names != nil {
			body.Generations = names
		}
	}
	return c.JSON(body)
}

// Message 投递一条控制消息。CLEAR_CACHE 同步等待回复端口，其它类型立即返回 202。
// 无法识别的消息直接丢弃，同样返回 202。
func (s *Console) Message(c fiber.Ctx) error {
	msg, ok := control.Parse(c.Body())
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"action":     "control",
			"request_id": server.RequestID(c),
		}).Debug("unrecognized message dropped")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	}

	var port chan control.Reply
	if msg.Type == control.TypeClearCache {
		port = make(chan control.Reply, 1)
	}
	if err := s.post(msg, port); err != nil {
		if errors.Is(err, control.ErrInboxFull) {
			return writeError(c, fiber.StatusTooManyRequests, "inbox_full")
		}
		return writeError(c, fiber.StatusServiceUnavailable, "inbox_unavailable")
	}
	s.logger.WithFields(logrus.Fields{
		"action":     "control",
		"type":       msg.Type,
		"request_id": server.RequestID(c),
	}).Info("message posted")

	if port == nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	}

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()
	select {
	case reply := <-port:
		return c.JSON(reply)
	case <-timer.C:
		return writeError(c, fiber.StatusGatewayTimeout, "reply_timeout")
	}
}

func (s *Console) post(msg control.Message, port chan control.Reply) error {
	if s.inbox == nil {
		return errors.New("control inbox not configured")
	}
	return s.inbox.Post(msg, port)
}

// Push 把请求体作为推送负载交给 active 版本。
func (s *Console) Push(c fiber.Ctx) error {
	data := append([]byte(nil), c.Body()...)
	if err := s.host.Push(context.WithoutCancel(c.Context()), data); err != nil {
		if errors.Is(err, worker.ErrNoActiveWorker) {
			return writeError(c, fiber.StatusServiceUnavailable, "no_active_worker")
		}
		return writeError(c, fiber.StatusInternalServerError, "push_failed")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
}

func (s *Console) Notifications(c fiber.Ctx) error {
	items := []push.Notification{}
	if s.feed != nil {
		items = append(items, s.feed.Items()...)
	}
	return c.JSON(items)
}

// ReleaseClient 模拟页面关闭：释放客户端并触发等待中版本的接管检查。
func (s *Console) ReleaseClient(c fiber.Ctx) error {
	id := c.Query("id")
	if id == "" {
		id = c.Cookies(ClientCookie)
	}
	if id == "" {
		return writeError(c, fiber.StatusBadRequest, "client_required")
	}
	s.host.Release(context.WithoutCancel(c.Context()), id)
	return c.SendStatus(fiber.StatusNoContent)
}
