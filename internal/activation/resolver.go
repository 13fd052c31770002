package activation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
	"ExtensionHost/pkg/extension"
	"ExtensionHost/pkg/logger"
)

// DefaultMaxDepth 是解析递归的上限，超过即视为依赖环。
const DefaultMaxDepth = 10

// Resolver 按依赖顺序激活扩展，每个扩展至多激活一次。
type Resolver struct {
	source      Source
	loader      extension.ModuleLoader
	enforcer    extension.PolicyEnforcer
	defaults    extension.Policy
	policies    map[string]extension.Policy
	configs     map[string]map[string]any
	resources   map[string]any
	sink        messages.Sink
	recorders   []Recorder
	maxDepth    int
	concurrency int
	baseCtx     context.Context
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	activated  map[string]*ActivatedExtension
	activating map[string]*flight
	order      []string
	closed     bool
	// drained 为 true 表示 Shutdown 已取走停用快照，之后完成的激活需自行停用。
	drained bool
}

type flight struct {
	done   chan struct{}
	result *ActivatedExtension
}

// Option 修改 Resolver 的行为。
type Option func(*Resolver)

// WithLoader 指定模块加载器。
func WithLoader(loader extension.ModuleLoader) Option {
	return func(r *Resolver) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// WithSink 指定诊断消息的接收方。
func WithSink(sink messages.Sink) Option {
	return func(r *Resolver) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithRecorder 追加一个终态记录器。
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		if rec != nil {
			r.recorders = append(r.recorders, rec)
		}
	}
}

// WithPolicyEnforcer 指定能力校验策略。
func WithPolicyEnforcer(enforcer extension.PolicyEnforcer) Option {
	return func(r *Resolver) {
		if enforcer != nil {
			r.enforcer = enforcer
		}
	}
}

// WithDefaultPolicy 设置所有扩展共用的能力策略。
func WithDefaultPolicy(policy extension.Policy) Option {
	return func(r *Resolver) {
		r.defaults = policy
	}
}

// WithPolicy 为单个扩展设置策略，未填写的部分沿用默认策略。
func WithPolicy(id string, policy extension.Policy) Option {
	return func(r *Resolver) {
		r.policies[id] = policy
	}
}

// WithConfig 设置扩展的配置块。
func WithConfig(id string, cfg map[string]any) Option {
	return func(r *Resolver) {
		r.configs[id] = cfg
	}
}

// WithResource 注册一个对所有扩展可见的共享资源。
func WithResource(key string, value any) Option {
	return func(r *Resolver) {
		if key == "" || value == nil {
			return
		}
		r.resources[key] = value
	}
}

// WithMaxDepth 覆盖递归上限。
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithConcurrency 限制同一轮内并发激活的数量，<=0 表示不限制。
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		r.concurrency = n
	}
}

// WithBaseContext 指定传给扩展的宿主生命周期上下文。
func WithBaseContext(ctx context.Context) Option {
	return func(r *Resolver) {
		if ctx != nil {
			r.baseCtx = ctx
		}
	}
}

// WithLogger 指定解析器日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 构造 Resolver。
func New(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:     source,
		loader:     extension.NewCachingLoader(extension.GoPluginLoader{}),
		enforcer:   extension.CapabilityEnforcer{},
		policies:   make(map[string]extension.Policy),
		configs:    make(map[string]map[string]any),
		resources:  make(map[string]any),
		sink:       messages.LogSink{},
		maxDepth:   DefaultMaxDepth,
		baseCtx:    context.Background(),
		now:        time.Now,
		activated:  make(map[string]*ActivatedExtension),
		activating: make(map[string]*flight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("activation")
	}
	return r
}

// Activate 激活指定扩展及其依赖。
// 只有未注册的 ID、宿主已关闭或等待就绪时 ctx 取消才返回 error；
// 激活失败以 ActivationFailed 记录返回。
func (r *Resolver) Activate(ctx context.Context, id string) (*ActivatedExtension, error) {
	desc, ok := r.source.Get(id)
	if !ok {
		return nil, unknownExtension(id)
	}
	if rec := r.lookup(id); rec != nil {
		return rec, nil
	}
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	r.resolve([]extension.Description{desc}, 0, triggerFor(ctx, "activate:"+id))
	if rec := r.settled(id); rec != nil {
		return rec, nil
	}
	return nil, xerrors.New(CodeHostClosed, "")
}

// ActivateByEvent 激活所有关注该事件的扩展；没有匹配的扩展时直接返回。
func (r *Resolver) ActivateByEvent(ctx context.Context, event string) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	descs := r.source.ByEvent(event)
	if len(descs) == 0 {
		r.logger.Debug("没有扩展关注该事件", slog.String("event", event))
		return nil
	}
	r.resolve(descs, 0, triggerFor(ctx, event))
	return nil
}

// IsActivated 判断扩展是否已进入终态，不会触发激活。
func (r *Resolver) IsActivated(id string) bool {
	return r.lookup(id) != nil
}

// Get 返回扩展的终态记录。
func (r *Resolver) Get(id string) (*ActivatedExtension, bool) {
	rec := r.lookup(id)
	return rec, rec != nil
}

// State 返回扩展当前所处的状态。
func (r *Resolver) State(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.activated[id]; ok {
		return rec.State()
	}
	if _, ok := r.activating[id]; ok {
		return StateActivating
	}
	if _, ok := r.source.Get(id); ok {
		return StateKnown
	}
	return StateUnregistered
}

// Statuses 按注册顺序返回所有扩展的状态快照。
func (r *Resolver) Statuses() []Status {
	descs := r.source.All()
	out := make([]Status, 0, len(descs))
	for _, desc := range descs {
		out = append(out, r.status(desc))
	}
	return out
}

// StatusOf 返回单个扩展的状态快照。
func (r *Resolver) StatusOf(id string) (Status, error) {
	desc, ok := r.source.Get(id)
	if !ok {
		return Status{}, unknownExtension(id)
	}
	return r.status(desc), nil
}

func (r *Resolver) status(desc extension.Description) Status {
	st := Status{Description: desc, State: r.State(desc.ID)}
	if rec := r.lookup(desc.ID); rec != nil {
		st.ActivationID = rec.ActivationID
		st.Trigger = rec.Trigger
		started := rec.StartedAt
		st.ActivatedAt = &started
		st.DurationMS = rec.Duration.Milliseconds()
		if rec.Err != nil {
			st.Error = rec.Err.Error()
		}
	}
	return st
}

// Shutdown 按激活的逆序调用 Deactivate 并释放订阅，之后拒绝新的激活。
// 调用时仍在进行的激活会先被等待；ctx 结束前未完成的激活在完成时自行停用。
func (r *Resolver) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := make([]*flight, 0, len(r.activating))
	for _, f := range r.activating {
		pending = append(pending, f)
	}
	r.mu.Unlock()

	var errs []error
	if err := waitFlights(ctx, pending); err != nil {
		errs = append(errs, err)
		r.logger.Warn("等待进行中的激活超时", slog.Int("pending", len(pending)), slog.Any("error", err))
	}

	r.mu.Lock()
	r.drained = true
	records := make([]*ActivatedExtension, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, r.activated[id])
	}
	r.mu.Unlock()

	for i := len(records) - 1; i >= 0; i-- {
		errs = append(errs, r.release(ctx, records[i])...)
	}
	return errors.Join(errs...)
}

func waitFlights(ctx context.Context, pending []*flight) error {
	for _, f := range pending {
		select {
		case <-f.done:
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待进行中的激活结束超时")
		}
	}
	return nil
}

// release 停用单个成功激活的扩展并释放其订阅。
func (r *Resolver) release(ctx context.Context, rec *ActivatedExtension) []error {
	if rec == nil || rec.ActivationFailed {
		return nil
	}
	var errs []error
	if d, ok := rec.Module.(extension.Deactivator); ok {
		if err := d.Deactivate(ctx); err != nil {
			errs = append(errs, err)
			r.logger.Warn("扩展停用失败", slog.String("extension_id", rec.ID), slog.Any("error", err))
		}
	}
	if err := extension.DisposeAll(rec.Subscriptions); err != nil {
		errs = append(errs, err)
		r.logger.Warn("释放扩展订阅失败", slog.String("extension_id", rec.ID), slog.Any("error", err))
	}
	return errs
}

func (r *Resolver) waitReady(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return xerrors.New(CodeHostClosed, "")
	}
	select {
	case <-r.source.Ready():
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待扩展注册表就绪超时")
	}
}

func (r *Resolver) lookup(id string) *ActivatedExtension {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activated[id]
}

// settled 返回终态记录；若另一个调用方仍在激活该扩展则等待其完成。
func (r *Resolver) settled(id string) *ActivatedExtension {
	r.mu.Lock()
	if rec, ok := r.activated[id]; ok {
		r.mu.Unlock()
		return rec
	}
	f, ok := r.activating[id]
	r.mu.Unlock()
	if ok {
		<-f.done
		return f.result
	}
	return nil
}
