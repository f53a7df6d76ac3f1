package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

var supportedStaticMatch = map[string]struct{}{
	"contains": {},
	"exact":    {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.ForwardProxyPort < 0 || g.ForwardProxyPort > 65535 {
		return newFieldError("Global.ForwardProxyPort", "必须在 0-65535")
	}
	if g.ForwardProxyPort != 0 && g.ForwardProxyPort == g.ListenPort {
		return newFieldError("Global.ForwardProxyPort", "不能与 ListenPort 相同")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	w := c.Worker
	if err := validateName(w.AppName); err != nil {
		return fmt.Errorf("%s: %w", workerField("AppName"), err)
	}
	if err := validateName(w.Version); err != nil {
		return fmt.Errorf("%s: %w", workerField("Version"), err)
	}
	if w.Upstream != "" {
		if err := validateUpstream(w.Upstream); err != nil {
			return fmt.Errorf("%s: %w", workerField("Upstream"), err)
		}
	} else if len(w.StaticAssets) > 0 {
		return newFieldError(workerField("Upstream"), "预缓存静态资源需要配置源站")
	}
	for _, asset := range w.StaticAssets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(workerField("StaticAssets"), fmt.Sprintf("路径必须以 / 开头: %q", asset))
		}
	}
	if w.LandingPage != "" && !strings.HasPrefix(w.LandingPage, "/") {
		return newFieldError(workerField("LandingPage"), "路径必须以 / 开头")
	}
	if _, ok := supportedStaticMatch[w.StaticMatch]; !ok {
		return newFieldError(workerField("StaticMatch"), "仅支持 contains|exact")
	}

	for _, v := range c.Notification.Vibrate {
		if v < 0 {
			return newFieldError(notificationField("Vibrate"), "不能包含负数")
		}
	}

	return nil
}

// validateName 限制代际名称片段，避免生成的 generation 含路径分隔符。
func validateName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\ `) {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
