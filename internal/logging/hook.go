package logging

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/config"
)

// WorkerHook 给每条日志补上当前 worker 的代际前缀与代理模式；条目自带的同名字段优先。
type WorkerHook struct {
	mu     sync.RWMutex
	fields logrus.Fields
}

func NewWorkerHook(w config.WorkerConfig) *WorkerHook {
	h := &WorkerHook{}
	h.Set(w)
	return h
}

// Set 在注册新版本后切换默认字段。
func (h *WorkerHook) Set(w config.WorkerConfig) {
	mode := "forward"
	if w.UpstreamURL() != nil {
		mode = "reverse"
	}
	fields := logrus.Fields{"mode": mode}
	if w.AppName != "" {
		fields["worker"] = w.GenerationPrefix()
	}
	h.mu.Lock()
	h.fields = fields
	h.mu.Unlock()
}

func (h *WorkerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *WorkerHook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// SetWorker 更新 logger 上已安装的 WorkerHook；未安装时不做任何事。
func SetWorker(logger *logrus.Logger, w config.WorkerConfig) {
	if logger == nil {
		return
	}
	for _, hook := range logger.Hooks[logrus.InfoLevel] {
		if wh, ok := hook.(*WorkerHook); ok {
			wh.Set(w)
		}
	}
}
