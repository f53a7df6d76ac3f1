package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/policy"
	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/worker"
)

const (
	// ClientCookie 标识一个受控客户端，等价于浏览器中的一个页面。
	ClientCookie = "swproxy_client"

	headerStrategy = "X-Swproxy-Strategy"
	headerSource   = "X-Swproxy-Source"
)

// Dispatcher 是 worker.Host 的拦截子集。
type Dispatcher interface {
	Touch(clientID string)
	Fetch(ctx context.Context, req *http.Request) (*worker.Event, error)
}

// Handler 把 Fiber 请求交给 active 版本的 fetch 事件；未被拦截的请求直接透传。
type Handler struct {
	host     Dispatcher
	resolver *server.TargetResolver
	client   *http.Client
	logger   *logrus.Logger
}

// NewHandler constructs the interception handler.
func NewHandler(host Dispatcher, resolver *server.TargetResolver, client *http.Client, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		host:     host,
		resolver: resolver,
		client:   client,
		logger:   logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	h.host.Touch(clientID(c))

	target, err := h.resolver.Resolve(string(c.Request().Header.RequestURI()), string(c.Request().Host()))
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "fetch",
			"request_id": requestID,
		}).Warn("target_unresolved")
		return writeError(c, fiber.StatusBadRequest, "bad_target")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	build := func() (*http.Request, error) {
		return buildRequest(ctx, c, target.String())
	}

	req, err := build()
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	result, version, err := intercept(ctx, h.host, req)
	switch {
	case errors.Is(err, errPassthrough):
		passthrough, buildErr := build()
		if buildErr != nil {
			return writeError(c, fiber.StatusBadRequest, "bad_request")
		}
		resp, doErr := h.client.Do(passthrough)
		if doErr != nil {
			h.logResult(requestID, version, string(policy.StrategyNative), "", started, doErr)
			return writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		result = &policy.Result{Response: resp, Strategy: policy.StrategyNative, Source: policy.SourceNetwork}
	case err != nil:
		h.logResult(requestID, version, "", "", started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	h.logResult(requestID, version, string(result.Strategy), string(result.Source), started, nil)
	return writeResult(c, result)
}

var errPassthrough = errors.New("passthrough")

// intercept dispatches req to the active version. errPassthrough means the
// request goes to the network untouched: there is no active version, or the
// policy declined it.
func intercept(ctx context.Context, host Dispatcher, req *http.Request) (*policy.Result, string, error) {
	ev, err := host.Fetch(ctx, req)
	if errors.Is(err, worker.ErrNoActiveWorker) {
		return nil, "", errPassthrough
	}
	if err != nil {
		return nil, "", err
	}
	result, err := ev.Response()
	if errors.Is(err, policy.ErrNotIntercepted) {
		return nil, ev.Version(), errPassthrough
	}
	if err == nil && result == nil {
		err = errors.New("fetch event produced no response")
	}
	return result, ev.Version(), err
}

func buildRequest(ctx context.Context, c fiber.Ctx, target string) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target, body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = req.URL.Host
	return req, nil
}

func writeResult(c fiber.Ctx, result *policy.Result) error {
	resp := result.Response
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del("Content-Length")
	c.Set(headerStrategy, string(result.Strategy))
	c.Set(headerSource, string(result.Source))
	c.Status(resp.StatusCode)
	return c.Send(body)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(requestID, version, strategy, source string, started time.Time, err error) {
	fields := logging.RequestFields(requestID, version, strategy, source)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Debug("fetch_completed")
}

// clientID 读取客户端 cookie，缺失时签发新的 uuid。
func clientID(c fiber.Ctx) string {
	if id := c.Cookies(ClientCookie); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
	})
	return id
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
