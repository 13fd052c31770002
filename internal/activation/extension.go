package activation

import (
	"context"
	"time"

	"ExtensionHost/pkg/extension"
)

// State 描述单个扩展在激活状态机中的位置。
type State string

const (
	StateUnregistered State = "unregistered"
	StateKnown        State = "known"
	StateActivating   State = "activating"
	StateActivated    State = "activated"
	StateFailed       State = "failed"
)

// ActivatedExtension 是一次激活的终态记录，创建后不再修改。
// 失败同样以记录表示：ActivationFailed 为 true，Err 保存原因。
type ActivatedExtension struct {
	ID               string
	ActivationID     string
	Trigger          string
	ActivationFailed bool
	Err              error
	Module           extension.Module
	Exports          any
	Subscriptions    []extension.Disposable
	StartedAt        time.Time
	Duration         time.Duration
}

// State 返回记录对应的终态。
func (a *ActivatedExtension) State() State {
	if a == nil {
		return StateKnown
	}
	if a.ActivationFailed {
		return StateFailed
	}
	return StateActivated
}

// Recorder 在每个扩展进入终态后被调用，用于持久化、状态镜像和指标。
type Recorder interface {
	Record(ctx context.Context, ext *ActivatedExtension) error
}

// RecorderFunc 将函数适配为 Recorder。
type RecorderFunc func(ctx context.Context, ext *ActivatedExtension) error

// Record 实现 Recorder。
func (f RecorderFunc) Record(ctx context.Context, ext *ActivatedExtension) error { return f(ctx, ext) }

// Source 是解析器查询扩展描述所需的能力，由 registry.Registry 实现。
type Source interface {
	Get(id string) (extension.Description, bool)
	ByEvent(event string) []extension.Description
	All() []extension.Description
	Ready() <-chan struct{}
}

// Status 是对外展示用的扩展状态快照。
type Status struct {
	Description  extension.Description `json:"description"`
	State        State                 `json:"state"`
	ActivationID string                `json:"activation_id,omitempty"`
	Trigger      string                `json:"trigger,omitempty"`
	Error        string                `json:"error,omitempty"`
	ActivatedAt  *time.Time            `json:"activated_at,omitempty"`
	DurationMS   int64                 `json:"duration_ms,omitempty"`
}
