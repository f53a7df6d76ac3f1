package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler handles intercepted traffic. It allows injecting fake
// handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// ConsoleHandler 提供 /-/sw/* 诊断与控制端点。
type ConsoleHandler interface {
	Status(fiber.Ctx) error
	Message(fiber.Ctx) error
	Push(fiber.Ctx) error
	Notifications(fiber.Ctx) error
	ReleaseClient(fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Proxy   ProxyHandler
	Console ConsoleHandler
	Metrics http.Handler
}

const contextKeyRequestID = "_swproxy_request_id"

// NewApp builds the Fiber application: request id middleware, the /-/
// diagnostics surface and the catch-all interception route.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
	if opts.Console != nil {
		sw := app.Group("/-/sw")
		sw.Get("/status", opts.Console.Status)
		sw.Post("/message", opts.Console.Message)
		sw.Post("/push", opts.Console.Push)
		sw.Get("/notifications", opts.Console.Notifications)
		sw.Post("/clients/release", opts.Console.ReleaseClient)
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) && !isAbsoluteForm(c) {
			return renderDiagnosticsNotFound(c, opts.Logger)
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并回写 X-Request-ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderDiagnosticsNotFound(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action":     "diagnostics",
		"path":       string(c.Request().URI().Path()),
		"request_id": RequestID(c),
	}).Debug("unknown diagnostics path")
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "not_found",
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

// isAbsoluteForm reports whether the request line carried a full URL, as a
// client using this process as an HTTP proxy sends it.
func isAbsoluteForm(c fiber.Ctx) bool {
	uri := string(c.Request().Header.RequestURI())
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}
