package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
	"ExtensionHost/pkg/extension"
	"ExtensionHost/pkg/logger"
)

// descSet 是保持插入顺序的描述集合。
type descSet struct {
	order []string
	items map[string]extension.Description
}

func newDescSet() *descSet {
	return &descSet{items: make(map[string]extension.Description)}
}

func (s *descSet) add(desc extension.Description) {
	if _, ok := s.items[desc.ID]; ok {
		return
	}
	s.order = append(s.order, desc.ID)
	s.items[desc.ID] = desc
}

func (s *descSet) has(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *descSet) len() int { return len(s.items) }

func (s *descSet) list() []extension.Description {
	out := make([]extension.Description, 0, len(s.items))
	for _, id := range s.order {
		if desc, ok := s.items[id]; ok {
			out = append(out, desc)
		}
	}
	return out
}

// without 返回去掉 other 中成员后的新集合。
func (s *descSet) without(other *descSet) *descSet {
	out := newDescSet()
	for _, desc := range s.list() {
		if !other.has(desc.ID) {
			out.add(desc)
		}
	}
	return out
}

// resolve 对一批候选扩展做一轮分类：依赖全部就绪的并发激活，
// 其余在下一层递归。先处理被发现的依赖，再重试本轮被阻塞的扩展。
func (r *Resolver) resolve(candidates []extension.Description, depth int, trigger string) {
	pending := make([]extension.Description, 0, len(candidates))
	for _, desc := range candidates {
		if !r.IsActivated(desc.ID) {
			pending = append(pending, desc)
		}
	}
	if len(pending) == 0 {
		return
	}

	if depth > r.maxDepth {
		for _, desc := range pending {
			r.fail(desc.ID, dependencyLoop(desc.ID, r.maxDepth), trigger)
		}
		return
	}

	green, red := newDescSet(), newDescSet()
	for _, desc := range pending {
		r.classify(desc, green, red, trigger)
	}
	green = green.without(red)

	if red.len() == 0 {
		r.activateAll(green.list(), trigger)
		return
	}
	r.resolve(green.list(), depth+1, trigger)
	r.resolve(red.list(), depth+1, trigger)
}

// classify 按声明顺序检查依赖，遇到第一个未知或失败的依赖即记失败。
// 未激活的依赖加入 green，本扩展进入 red。
func (r *Resolver) classify(desc extension.Description, green, red *descSet, trigger string) {
	blocked := false
	for _, depID := range desc.ExtensionDependencies {
		dep, ok := r.source.Get(depID)
		if !ok {
			r.fail(desc.ID, unknownDependency(desc.ID, depID), trigger)
			return
		}
		if rec := r.lookup(depID); rec != nil {
			if rec.ActivationFailed {
				r.fail(desc.ID, dependencyFailed(desc.ID, depID), trigger)
				return
			}
			continue
		}
		green.add(dep)
		blocked = true
	}
	if blocked {
		red.add(desc)
		return
	}
	green.add(desc)
}

func (r *Resolver) activateAll(descs []extension.Description, trigger string) {
	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for _, desc := range descs {
		g.Go(func() error {
			r.activateOne(desc, trigger)
			return nil
		})
	}
	_ = g.Wait()
}

// fail 记录一个失败终态；若该扩展已有终态或正在激活则忽略。
func (r *Resolver) fail(id string, cause error, trigger string) {
	now := r.now()
	rec := &ActivatedExtension{
		ID:               id,
		ActivationID:     uuid.NewString(),
		Trigger:          trigger,
		ActivationFailed: true,
		Err:              cause,
		StartedAt:        now,
	}
	r.mu.Lock()
	if _, ok := r.activated[id]; ok {
		r.mu.Unlock()
		return
	}
	if _, ok := r.activating[id]; ok {
		r.mu.Unlock()
		return
	}
	r.activated[id] = rec
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.finish(rec)
}

// activateOne 保证每个扩展只执行一次 Activate，并发调用方等待同一个结果。
func (r *Resolver) activateOne(desc extension.Description, trigger string) *ActivatedExtension {
	r.mu.Lock()
	if rec, ok := r.activated[desc.ID]; ok {
		r.mu.Unlock()
		return rec
	}
	if f, ok := r.activating[desc.ID]; ok {
		r.mu.Unlock()
		<-f.done
		return f.result
	}
	f := &flight{done: make(chan struct{})}
	r.activating[desc.ID] = f
	closed := r.closed
	deps := make(map[string]any, len(desc.ExtensionDependencies))
	for _, depID := range desc.ExtensionDependencies {
		if dep, ok := r.activated[depID]; ok {
			deps[depID] = dep.Exports
		}
	}
	r.mu.Unlock()

	rec := &ActivatedExtension{
		ID:           desc.ID,
		ActivationID: uuid.NewString(),
		Trigger:      trigger,
		StartedAt:    r.now(),
	}
	if closed {
		rec.ActivationFailed = true
		rec.Err = xerrors.New(CodeHostClosed, fmt.Sprintf("extension `%s` was not activated: host is shut down", desc.ID),
			xerrors.WithMetadata("extension_id", desc.ID))
	} else {
		r.run(desc, deps, rec)
	}
	rec.Duration = r.now().Sub(rec.StartedAt)

	r.mu.Lock()
	r.activated[desc.ID] = rec
	r.order = append(r.order, desc.ID)
	delete(r.activating, desc.ID)
	f.result = rec
	drained := r.drained
	r.mu.Unlock()
	close(f.done)

	if drained {
		r.release(context.WithoutCancel(r.baseCtx), rec)
	}
	r.finish(rec)
	return rec
}

// run 执行能力校验、模块加载与 Activate 调用，把结果写入 rec。
func (r *Resolver) run(desc extension.Description, deps map[string]any, rec *ActivatedExtension) {
	policy := r.defaults
	if override, ok := r.policies[desc.ID]; ok {
		policy = extension.MergePolicies(r.defaults, &override)
	}
	if err := r.enforcer.Validate(desc, policy); err != nil {
		rec.ActivationFailed = true
		rec.Err = capabilityDenied(desc.ID, err)
		return
	}

	if desc.IsDeclarative() {
		return
	}

	module, err := r.loader.Load(r.baseCtx, desc)
	if err != nil {
		rec.ActivationFailed = true
		rec.Err = moduleLoadFailed(desc.ID, err)
		return
	}
	rec.Module = module

	actx := extension.NewActivationContext(r.baseCtx, desc)
	for k, v := range r.configs[desc.ID] {
		actx.Config[k] = v
	}
	for k, v := range r.resources {
		actx.Resources[k] = v
	}
	for k, v := range deps {
		actx.Dependencies[k] = v
	}
	actx.Logger = logger.ForExtension(desc.ID)

	exports, err := callActivate(module, actx)
	rec.Subscriptions = actx.Subscriptions()
	if err != nil {
		rec.ActivationFailed = true
		rec.Err = activationFailed(desc.ID, err)
		return
	}
	rec.Exports = exports
}

func callActivate(module extension.Module, actx *extension.ActivationContext) (exports any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during activation: %v", p)
		}
	}()
	return module.Activate(actx)
}

// finish 在终态写入后通知记录器，失败时额外发出诊断消息。
func (r *Resolver) finish(rec *ActivatedExtension) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), 5*time.Second)
	defer cancel()

	if rec.ActivationFailed {
		r.logger.Warn("扩展激活失败",
			slog.String("extension_id", rec.ID),
			slog.String("code", string(xerrors.CodeOf(rec.Err))),
			slog.Any("error", rec.Err))
		if err := r.sink.Notify(ctx, messages.FromError(rec.ID, rec.Err)); err != nil {
			r.logger.Warn("发送诊断消息失败", slog.String("extension_id", rec.ID), slog.Any("error", err))
		}
	} else {
		r.logger.Info("扩展已激活",
			slog.String("extension_id", rec.ID),
			slog.String("trigger", rec.Trigger),
			slog.Duration("duration", rec.Duration))
	}

	for _, recorder := range r.recorders {
		if err := recorder.Record(ctx, rec); err != nil {
			r.logger.Warn("记录激活结果失败", slog.String("extension_id", rec.ID), slog.Any("error", err))
		}
	}
}
