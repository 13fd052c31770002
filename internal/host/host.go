package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"ExtensionHost/internal/activation"
	"ExtensionHost/internal/api"
	"ExtensionHost/internal/auth"
	"ExtensionHost/internal/config"
	"ExtensionHost/internal/events"
	"ExtensionHost/internal/manifest"
	"ExtensionHost/internal/messages"
	"ExtensionHost/internal/observability/alerting"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/storage/mysql"
	"ExtensionHost/internal/storage/redis"
	"ExtensionHost/pkg/extension"
	"ExtensionHost/pkg/logger"
)

// Host 持有扩展宿主运行所需的全部组件。
type Host struct {
	cfg        *config.Config
	registry   *registry.Registry
	messages   *messages.MemorySink
	resolver   *activation.Resolver
	history    mysql.ActivationRepository
	mirror     *redis.Mirror
	queue      events.Queue
	dispatcher *events.Dispatcher
	server     *api.Server
	static     *extension.StaticLoader
	resources  map[string]any
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option 定义可选配置。
type Option func(*Host)

// WithStaticModule 注册编译进宿主的扩展模块，键为清单中的 main。
func WithStaticModule(main string, factory func() extension.Module) Option {
	return func(h *Host) { h.static.Register(main, factory) }
}

// WithResource 向所有扩展暴露一个宿主资源。
func WithResource(key string, value any) Option {
	return func(h *Host) { h.resources[key] = value }
}

// New 按配置创建所有组件。外部连接失败时已创建的组件会被关闭。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Host, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Host{
		cfg:       cfg,
		registry:  registry.New(),
		messages:  messages.NewMemorySink(cfg.Messages.Capacity),
		static:    extension.NewStaticLoader(),
		resources: make(map[string]any),
		logger:    logger.Named("host"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	defer func() {
		if err != nil {
			_ = h.closeBackends()
		}
	}()

	if err := h.openHistory(ctx); err != nil {
		return nil, err
	}
	if cfg.State.Enabled {
		mirror, err := redis.New(ctx, cfg.State.Redis)
		if err != nil {
			return nil, err
		}
		h.mirror = mirror
		if err := mirror.Reset(ctx); err != nil {
			h.logger.Warn("清空 Redis 状态失败", slog.Any("error", err))
		}
	}
	if err := h.openQueue(ctx); err != nil {
		return nil, err
	}

	sinks := messages.Fanout{h.messages, messages.LogSink{}, alerting.NewSink(cfg.Alerts)}
	if h.mirror != nil {
		sinks = append(sinks, h.mirror)
	}

	resolverOpts := []activation.Option{
		activation.WithLoader(extension.NewCachingLoader(extension.ChainLoader{h.static, extension.GoPluginLoader{}})),
		activation.WithSink(sinks),
		activation.WithRecorder(metricsRecorder()),
		activation.WithDefaultPolicy(cfg.Extensions.Defaults),
		activation.WithMaxDepth(cfg.Extensions.MaxDepth),
		activation.WithConcurrency(cfg.Extensions.Concurrency),
		activation.WithBaseContext(context.WithoutCancel(ctx)),
	}
	if h.history != nil {
		resolverOpts = append(resolverOpts, activation.WithRecorder(historyRecorder(h.history)))
	}
	if h.mirror != nil {
		resolverOpts = append(resolverOpts, activation.WithRecorder(mirrorRecorder(h.mirror)))
	}
	for id, override := range cfg.Extensions.Overrides {
		if override.Config != nil {
			resolverOpts = append(resolverOpts, activation.WithConfig(id, override.Config))
		}
		if override.Policy != nil {
			resolverOpts = append(resolverOpts, activation.WithPolicy(id, *override.Policy))
		}
	}
	for key, value := range h.resources {
		resolverOpts = append(resolverOpts, activation.WithResource(key, value))
	}
	h.resolver = activation.New(h.registry, resolverOpts...)

	h.dispatcher = events.NewDispatcher(h.resolver, h.queue, h.queue,
		events.WithWorkerCount(cfg.Queue.Workers),
		events.WithEventTimeout(cfg.Extensions.ReadyTimeout))

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return nil, err
	}
	serverOpts := []api.Option{
		api.WithEvents(h.dispatcher),
		api.WithMessages(h.messages),
		api.WithGraph(h.registry),
		api.WithAuth(authSvc),
		api.WithMetrics(cfg.Metrics.Enabled),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if h.history != nil {
		serverOpts = append(serverOpts, api.WithHistory(h.history))
	}
	h.server = api.NewServer(cfg.Server.Address, h.resolver, serverOpts...)

	metrics.SetStateSource(h.stateCounts)
	return h, nil
}

func (h *Host) openHistory(ctx context.Context) error {
	switch h.cfg.History.Driver {
	case "none":
		return nil
	case "mysql":
		repo, err := mysql.NewSQLActivationRepository(ctx, h.cfg.History.MySQL)
		if err != nil {
			return err
		}
		h.history = repo
	default:
		repo, err := mysql.NewFileActivationRepository(h.cfg.History.DataDir)
		if err != nil {
			return err
		}
		h.history = repo
	}
	return nil
}

func (h *Host) openQueue(ctx context.Context) error {
	switch h.cfg.Queue.Driver {
	case "redis":
		queue, err := events.NewRedisQueue(ctx, h.cfg.Queue.Redis)
		if err != nil {
			return err
		}
		h.queue = queue
	case "rabbitmq":
		queue, err := events.NewRabbitMQQueue(h.cfg.Queue.RabbitMQ)
		if err != nil {
			return err
		}
		h.queue = queue
	default:
		h.queue = events.NewMemoryQueue(h.cfg.Queue.Size)
	}
	return nil
}

// Resolver 返回激活解析器。
func (h *Host) Resolver() *activation.Resolver { return h.resolver }

// Registry 返回扩展注册表。
func (h *Host) Registry() *registry.Registry { return h.registry }

// Messages 返回内存中的诊断消息。
func (h *Host) Messages() *messages.MemorySink { return h.messages }

// Server 返回 API 服务。
func (h *Host) Server() *api.Server { return h.server }

// Bootstrap 加载扩展目录、标记注册表就绪，并按配置触发启动事件。
func (h *Host) Bootstrap(ctx context.Context) error {
	dir := h.cfg.Extensions.Dir
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		h.logger.Warn("扩展目录不存在，跳过扫描", slog.String("dir", dir))
	} else {
		count, err := manifest.Load(ctx, dir, h.registry, h.messages)
		if err != nil {
			return fmt.Errorf("加载扩展清单失败: %w", err)
		}
		h.logger.Info("扩展清单已加载", slog.String("dir", dir), slog.Int("count", count))
	}
	for id, missing := range h.registry.MissingDependencies() {
		h.logger.Warn("扩展声明了未注册的依赖", slog.String("extension_id", id), slog.Any("missing", missing))
	}

	h.registry.MarkReady()
	if !h.cfg.Extensions.ActivateOnBoot {
		return nil
	}
	return h.resolver.ActivateByEvent(ctx, extension.StartupEvent)
}

// Run 执行 Bootstrap 后启动事件派发、目录监听、API 与独立指标端口，
// 直到 ctx 结束，随后按逆序停用扩展并关闭外部连接。
func (h *Host) Run(ctx context.Context) error {
	defer func() {
		if err := h.Close(); err != nil {
			h.logger.Warn("关闭宿主失败", slog.Any("error", err))
		}
	}()

	if err := h.Bootstrap(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// 监听器必须在任何后台协程启动前就绪，失败时不会留下已监听的端口。
	if h.cfg.Extensions.Watch {
		watcher, err := h.newWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(gctx); err != nil {
			watcher.Stop()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			watcher.Stop()
			return nil
		})
	}
	g.Go(func() error { return ignoreCanceled(h.dispatcher.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(h.server.Start(gctx)) })
	if addr := h.cfg.Metrics.Address; h.cfg.Metrics.Enabled && addr != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, addr)) })
	}
	return g.Wait()
}

func (h *Host) newWatcher() (*manifest.Watcher, error) {
	return manifest.NewWatcher(h.cfg.Extensions.Dir, h.registry,
		manifest.WithDebounce(h.cfg.Extensions.WatchDebounce),
		manifest.WithWatcherSink(h.messages),
		manifest.WithOnAdded(h.onAdded))
}

// onAdded 让运行期新增且关注启动事件的扩展立即激活。
func (h *Host) onAdded(ctx context.Context, desc extension.Description) {
	if !h.cfg.Extensions.ActivateOnBoot || !desc.ListensTo(extension.StartupEvent) {
		return
	}
	if _, err := h.resolver.Activate(ctx, desc.ID); err != nil {
		h.logger.Warn("激活新增扩展失败", slog.String("extension_id", desc.ID), slog.Any("error", err))
	}
}

// Close 停用所有扩展并关闭外部连接，可重复调用。
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if h.resolver != nil {
			errs = append(errs, h.resolver.Shutdown(ctx))
		}
		errs = append(errs, h.closeBackends())
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

func (h *Host) closeBackends() error {
	var errs []error
	if h.queue != nil {
		errs = append(errs, h.queue.Close())
	}
	if h.history != nil {
		errs = append(errs, h.history.Close())
	}
	if h.mirror != nil {
		errs = append(errs, h.mirror.Close())
	}
	return errors.Join(errs...)
}

func (h *Host) stateCounts() map[string]int {
	counts := make(map[string]int)
	for _, st := range h.resolver.Statuses() {
		counts[string(st.State)]++
	}
	return counts
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
