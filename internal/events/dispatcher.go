package events

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/logger"
)

// Activator 是派发器需要的激活能力，由 activation.Resolver 实现。
type Activator interface {
	ActivateByEvent(ctx context.Context, event string) error
}

// Stats 汇总派发器处理过的事件数量。
type Stats struct {
	Published uint64 `json:"published"`
	Handled   uint64 `json:"handled"`
	Failed    uint64 `json:"failed"`
}

// Dispatcher 消费队列中的激活事件并交给解析器处理。
type Dispatcher struct {
	activator   Activator
	consumer    Consumer
	producer    Producer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger

	published atomic.Uint64
	handled   atomic.Uint64
	failed    atomic.Uint64
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithEventTimeout 设置单个事件等待注册表就绪的上限。
func WithEventTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(activator Activator, consumer Consumer, producer Producer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		activator:   activator,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("events")
	}
	return d
}

// Submit 把事件投递到队列，由后台消费者异步激活。
func (d *Dispatcher) Submit(ctx context.Context, event string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "激活事件不能为空")
	}
	if d.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件生产者")
	}
	if err := d.producer.Publish(ctx, event); err != nil {
		return err
	}
	d.published.Add(1)
	return nil
}

// Start 启动消费循环，直到 ctx 结束。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	if d.activator == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置激活器")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.handle)
}

// Stats 返回计数快照。
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Handled:   d.handled.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) handle(ctx context.Context, event string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	if err := d.activator.ActivateByEvent(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Warn("处理激活事件失败",
			slog.String("event", event),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		if xerrors.CodeOf(err) == xerrors.CodeTimeout {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "激活事件超时", xerrors.WithRetryable(true))
		}
		return err
	}
	d.handled.Add(1)
	d.logger.Debug("激活事件已处理", slog.String("event", event), slog.Duration("elapsed", time.Since(started)))
	return nil
}
