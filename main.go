package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	watch       bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["generation"] = cfg.Worker.GenerationPrefix()
		fields["static_assets"] = len(cfg.Worker.StaticAssets)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：缓存存储 → worker 版本安装 → 控制通道 → Fiber / goproxy 监听。
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["forward_proxy_port"] = cfg.Global.ForwardProxyPort
	fields["generation"] = cfg.Worker.GenerationPrefix()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.watch {
		watchConfig(ctx, opts.configPath, rt, logger)
	}

	if err := rt.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// watchConfig 在配置文件变化时注册新的 worker 版本。
func watchConfig(ctx context.Context, path string, rt *runtime, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config, err error) {
		fields := logging.BaseFields("reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("配置重载失败，继续使用当前版本")
			return
		}
		if err := rt.reload(ctx, next); err != nil {
			logger.WithFields(fields).WithError(err).Warn("新版本安装失败")
		}
	})
	if err != nil {
		logger.WithFields(logging.BaseFields("reload", path)).WithError(err).Warn("无法监听配置文件")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		watch      bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&watch, "watch", false, "监听配置文件，Version 变化时安装新版本")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, errors.New("解析参数失败: 不支持位置参数")
	}

	path := os.Getenv("SWPROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		watch:       watch,
	}, nil
}
