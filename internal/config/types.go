package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	ForwardProxyPort int      `mapstructure:"ForwardProxyPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	StoreBackend     string   `mapstructure:"StoreBackend"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 描述一个 worker 版本：代际命名、预缓存列表与拦截规则。
type WorkerConfig struct {
	AppName              string   `mapstructure:"AppName"`
	Version              string   `mapstructure:"Version"`
	Upstream             string   `mapstructure:"Upstream"`
	StaticAssets         []string `mapstructure:"StaticAssets"`
	BypassHosts          []string `mapstructure:"BypassHosts"`
	LandingPage          string   `mapstructure:"LandingPage"`
	StaticMatch          string   `mapstructure:"StaticMatch"`
	OfflineMessage       string   `mapstructure:"OfflineMessage"`
	SkipWaitingOnInstall bool     `mapstructure:"SkipWaitingOnInstall"`
	ClaimClients         bool     `mapstructure:"ClaimClients"`
}

// NotificationConfig 是 push 事件展示通知时使用的固定文案与图标。
type NotificationConfig struct {
	Title       string `mapstructure:"Title"`
	DefaultBody string `mapstructure:"DefaultBody"`
	Icon        string `mapstructure:"Icon"`
	Badge       string `mapstructure:"Badge"`
	Vibrate     []int  `mapstructure:"Vibrate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Worker       WorkerConfig       `mapstructure:"Worker"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// UpstreamURL 返回解析后的源站地址；未配置时为 nil（纯正向代理模式）。
func (w WorkerConfig) UpstreamURL() *url.URL {
	if strings.TrimSpace(w.Upstream) == "" {
		return nil
	}
	u, err := url.Parse(w.Upstream)
	if err != nil {
		return nil
	}
	return u
}

// GenerationPrefix 用于日志，例如 aurum-v2.4。
func (w WorkerConfig) GenerationPrefix() string {
	return fmt.Sprintf("%s-v%s", w.AppName, w.Version)
}
