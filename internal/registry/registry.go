package registry

import (
	"sort"
	"sync"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/extension"
)

const (
	CodeDuplicateExtension xerrors.Code = "DUPLICATE_EXTENSION"
	CodeInvalidDescription xerrors.Code = "INVALID_DESCRIPTION"
)

func init() {
	xerrors.Register(CodeDuplicateExtension, xerrors.Attributes{
		Message:  "extension already registered",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidDescription, xerrors.Attributes{
		Message:  "invalid extension description",
		Severity: xerrors.SeverityWarning,
	})
}

// Registry 保存所有已知的扩展描述，并按激活事件建立索引。
// 描述一经注册即不可修改。
type Registry struct {
	mu      sync.RWMutex
	order   []string
	byID    map[string]extension.Description
	byEvent map[string][]string

	readyOnce sync.Once
	ready     chan struct{}
}

// New 创建空的 Registry。
func New() *Registry {
	return &Registry{
		byID:    make(map[string]extension.Description),
		byEvent: make(map[string][]string),
		ready:   make(chan struct{}),
	}
}

// Register 注册一个扩展描述；ID 重复时返回冲突错误。
func (r *Registry) Register(desc extension.Description) error {
	if err := desc.Validate(); err != nil {
		return xerrors.Wrap(CodeInvalidDescription, err, "", xerrors.WithMetadata("extension_id", desc.ID))
	}
	desc = desc.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[desc.ID]; exists {
		return xerrors.New(CodeDuplicateExtension, "extension "+desc.ID+" already registered",
			xerrors.WithMetadata("extension_id", desc.ID))
	}
	r.byID[desc.ID] = desc
	r.order = append(r.order, desc.ID)
	for _, event := range dedupe(desc.ActivationEvents) {
		r.byEvent[event] = append(r.byEvent[event], desc.ID)
	}
	return nil
}

// RegisterAll 依次注册，返回每个失败描述对应的错误。
func (r *Registry) RegisterAll(descs []extension.Description) map[string]error {
	failures := make(map[string]error)
	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			failures[desc.ID] = err
		}
	}
	return failures
}

// Get 按 ID 查找描述。
func (r *Registry) Get(id string) (extension.Description, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byID[id]
	if !ok {
		return extension.Description{}, false
	}
	return desc.Clone(), true
}

// Has 判断 ID 是否已注册。
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// All 按注册顺序返回全部描述。
func (r *Registry) All() []extension.Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]extension.Description, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// ByEvent 按注册顺序返回关注该激活事件的描述，没有时返回空切片。
func (r *Registry) ByEvent(event string) []extension.Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byEvent[event]
	out := make([]extension.Description, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Events 返回所有已知激活事件，按字典序排列。
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]string, 0, len(r.byEvent))
	for event := range r.byEvent {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// MarkReady 打开就绪闸门，可重复调用。
func (r *Registry) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready 返回在注册表就绪后关闭的 channel。
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

// IsReady 判断就绪闸门是否已打开。
func (r *Registry) IsReady() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
