package proxy

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/server"
)

// Forwarder 是正向代理入口：浏览器把本进程配置为 HTTP 代理后，明文请求经
// fetch 事件处理，CONNECT 隧道按 goproxy 默认行为原样转发。
type Forwarder struct {
	host   Dispatcher
	logger *logrus.Logger
	proxy  *goproxy.ProxyHttpServer
}

// NewForwarder 创建基于 goproxy 的正向代理；未被拦截的请求由 goproxy 自身回源。
func NewForwarder(host Dispatcher, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	f := &Forwarder{
		host:   host,
		logger: logger,
		proxy:  goproxy.NewProxyHttpServer(),
	}
	f.proxy.Logger = logger.WithField("action", "forward_proxy")
	f.proxy.OnRequest().DoFunc(f.onRequest)
	return f
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}

func (f *Forwarder) onRequest(r *http.Request, pctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	started := time.Now()
	requestID := ""
	if pctx != nil {
		requestID = formatSession(pctx.Session)
	}

	f.host.Touch(remoteClientID(r))

	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.Header = http.Header{}
	server.CopyHeaders(req.Header, r.Header)
	req.Header.Del("Accept-Encoding")

	result, version, err := intercept(r.Context(), f.host, req)
	switch {
	case errors.Is(err, errPassthrough):
		return r, nil
	case err != nil:
		f.log(requestID, version, "", "", started, err)
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "upstream_failed")
	}

	f.log(requestID, version, string(result.Strategy), string(result.Source), started, nil)
	resp := result.Response
	resp.Request = r
	resp.Header.Set(headerStrategy, string(result.Strategy))
	resp.Header.Set(headerSource, string(result.Source))
	return r, resp
}

func (f *Forwarder) log(requestID, version, strategy, source string, started time.Time, err error) {
	fields := logging.RequestFields(requestID, version, strategy, source)
	fields["mode"] = "forward"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		f.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	f.logger.WithFields(fields).Debug("fetch_completed")
}

// remoteClientID 以客户端地址作为正向代理模式下的客户端标识。
func remoteClientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return "proxy:" + host
}

func formatSession(session int64) string {
	if session == 0 {
		return ""
	}
	return "goproxy-" + strconv.FormatInt(session, 10)
}
