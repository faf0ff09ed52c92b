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

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/config"
	"github.com/shelfcache/shelfcache/internal/downloads"
	"github.com/shelfcache/shelfcache/internal/logging"
	"github.com/shelfcache/shelfcache/internal/media"
	"github.com/shelfcache/shelfcache/internal/proxy"
	"github.com/shelfcache/shelfcache/internal/resolver"
	"github.com/shelfcache/shelfcache/internal/server"
	"github.com/shelfcache/shelfcache/internal/server/routes"
	"github.com/shelfcache/shelfcache/internal/version"
	"github.com/shelfcache/shelfcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		for key, value := range cfg.Summary() {
			fields[key] = value
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_check_passed")
		return 0
	}

	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	for key, value := range cfg.Summary() {
		fields[key] = value
	}
	fields["listen_addr"] = cfg.ListenAddr()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := startHTTPServer(ctx, cfg, svc.app, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// services 持有进程内所有长生命周期组件，Close 按依赖逆序释放。
type services struct {
	app     *fiber.App
	pool    *worker.Pool
	fetcher *media.Fetcher
	tasks   *downloads.Store
	queue   *downloads.Queue
}

// buildServices 遵循“缓存目录 → 后台执行器 → 淘汰 → 地址解析 → 回源 → 代理 → 下载队列 → Fiber”顺序，
// 代理与下载队列共享同一个 Store 与 Fetcher，保证同一章节只会被抓取一次。
func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	g := cfg.Global
	store, err := cache.NewStore(g.StoragePath, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	svc := &services{pool: worker.New(g.WorkerConcurrency, logger)}

	cacheCfg := cache.CacheConfig{MaxBytes: g.MaxCacheBytes.Int64(), MaxFiles: g.MaxCacheFiles}
	evictor := cache.NewEvictor(store, cacheCfg, svc.pool, logger)
	evictor.Attach()
	// 启动时先收敛一次，配置上限可能被调小过。
	evictor.Trigger()

	res := resolver.New(resolver.Options{
		Client:       server.NewResolverClient(cfg),
		MaxRedirects: g.MaxRedirects,
		CacheTTL:     g.ResolveCacheTTL.DurationValue(),
		Logger:       logger,
	})

	svc.fetcher = media.NewFetcher(media.Options{
		Store:          store,
		Client:         server.NewUpstreamClient(cfg),
		CoalesceWait:   g.CoalesceWait.DurationValue(),
		TeeBufferBytes: g.TeeBufferBytes.Int64(),
		Logger:         logger,
	})

	handler := proxy.NewHandler(proxy.Options{
		Store:         store,
		Fetcher:       svc.fetcher,
		Resolver:      res,
		DefaultRemote: g.DefaultRemote,
		Logger:        logger,
	})

	svc.tasks, err = downloads.OpenStore(g.TaskDBPath, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.queue, err = downloads.NewQueue(downloads.Options{
		Tasks:            svc.tasks,
		Cache:            store,
		Fetcher:          svc.fetcher,
		Resolver:         res,
		Executor:         svc.pool,
		ProgressInterval: g.ProgressInterval.DurationValue(),
		Logger:           logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.app, err = server.NewApp(server.AppOptions{Logger: logger, Proxy: handler})
	if err != nil {
		svc.Close()
		return nil, err
	}
	routes.RegisterCacheRoutes(svc.app, store, evictor, cacheCfg)
	routes.RegisterDownloadRoutes(svc.app, svc.queue, g.DefaultRemote)
	routes.RegisterResolveRoute(svc.app, res)
	routes.RegisterClassRoutes(svc.app)
	routes.RegisterMetricsRoute(svc.app)
	routes.RegisterVersionRoute(svc.app)
	return svc, nil
}

// Close 先停下载队列，再停后台任务与回源写入，最后关闭任务库。
func (s *services) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.fetcher != nil {
		s.fetcher.Close()
	}
	if s.tasks != nil {
		_ = s.tasks.Close()
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shelfcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELFCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELFCACHE_CONFIG")
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
	}, nil
}

// startHTTPServer 阻塞直到 ctx 被取消（SIGINT/SIGTERM），随后 Fiber 优雅退出。
func startHTTPServer(ctx context.Context, cfg *config.Config, app *fiber.App, logger *logrus.Logger) error {
	if app == nil {
		return errors.New("fiber app is nil")
	}
	addr := cfg.ListenAddr()
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
	}).Info("fiber_listen")

	err := app.Listen(addr, fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
	logger.WithField("action", "shutdown").Info("fiber_stopped")
	return err
}
