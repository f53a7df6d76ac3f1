package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := readViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 监听配置文件变更，每次变更都重新解析并回调 onChange；
// 解析失败时 cfg 为 nil，调用方应保留旧配置。
func Watch(path string, onChange func(cfg *Config, err error)) error {
	v, err := readViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			onChange(nil, fmt.Errorf("读取配置失败: %w", err))
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func readViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	if err := rejectWorkerLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("ForwardProxyPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "fs")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Worker.AppName", "aurum")
	v.SetDefault("Worker.Version", "2.4")
	v.SetDefault("Worker.StaticAssets", []string{"/", "/landing.html", "/app.html", "/manifest.json"})
	v.SetDefault("Worker.BypassHosts", []string{"script.google.com", "googleapis.com"})
	v.SetDefault("Worker.LandingPage", "/landing.html")
	v.SetDefault("Worker.StaticMatch", "contains")
	v.SetDefault("Worker.OfflineMessage", "Offline: this resource cannot be loaded right now")
	v.SetDefault("Worker.SkipWaitingOnInstall", true)
	v.SetDefault("Worker.ClaimClients", true)

	v.SetDefault("Notification.Title", "AURUM")
	v.SetDefault("Notification.DefaultBody", "You have a new notification")
	v.SetDefault("Notification.Icon", "/icon-192.png")
	v.SetDefault("Notification.Badge", "/badge-72.png")
	v.SetDefault("Notification.Vibrate", []int{200, 100, 200})
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "fs"
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.AppName = strings.TrimSpace(w.AppName)
	w.Version = strings.TrimSpace(w.Version)
	w.StaticMatch = strings.ToLower(strings.TrimSpace(w.StaticMatch))
	if w.StaticMatch == "" {
		w.StaticMatch = "contains"
	}
	w.Upstream = strings.TrimRight(strings.TrimSpace(w.Upstream), "/")
	hosts := w.BypassHosts[:0]
	for _, host := range w.BypassHosts {
		if trimmed := strings.ToLower(strings.TrimSpace(host)); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	w.BypassHosts = hosts
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectWorkerLevelPorts 拒绝在 [Worker] 段内声明端口，端口只能在全局配置。
func rejectWorkerLevelPorts(v *viper.Viper) error {
	raw, ok := v.Get("Worker").(map[string]interface{})
	if !ok {
		return nil
	}
	for key := range raw {
		switch strings.ToLower(key) {
		case "port", "listenport":
			return newFieldError(workerField(key), "端口只能在全局 ListenPort 配置")
		}
	}
	return nil
}
