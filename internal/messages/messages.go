package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/logger"
)

// Message 是一条面向用户的诊断消息，例如依赖缺失或依赖环。
type Message struct {
	ID           string           `json:"id"`
	Severity     xerrors.Severity `json:"severity"`
	Code         xerrors.Code     `json:"code"`
	ExtensionID  string           `json:"extension_id,omitempty"`
	DependencyID string           `json:"dependency_id,omitempty"`
	Text         string           `json:"text"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// New 根据错误码构造消息，严重程度取自错误码注册表。
func New(code xerrors.Code, extensionID, dependencyID, text string) Message {
	return Message{
		ID:           uuid.NewString(),
		Severity:     xerrors.AttributesOf(code).Severity,
		Code:         code,
		ExtensionID:  extensionID,
		DependencyID: dependencyID,
		Text:         text,
		OccurredAt:   time.Now(),
	}
}

// FromError 从统一错误中提取错误码、严重程度与依赖信息。
func FromError(extensionID string, err error) Message {
	msg := New(xerrors.CodeOf(err), extensionID, "", err.Error())
	if e, ok := xerrors.From(err); ok {
		msg.Severity = e.Severity()
		msg.Text = e.Message()
		if cause := e.Unwrap(); cause != nil {
			msg.Text = fmt.Sprintf("%s: %v", msg.Text, cause)
		}
		msg.DependencyID = e.Metadata()["dependency_id"]
	}
	return msg
}

// Sink 接收诊断消息。
type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// SinkFunc 将函数适配为 Sink。
type SinkFunc func(ctx context.Context, msg Message) error

// Notify 实现 Sink。
func (f SinkFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogSink 将消息写入审计日志。
type LogSink struct {
	Logger *slog.Logger
}

// Notify 实现 Sink。
func (s LogSink) Notify(ctx context.Context, msg Message) error {
	l := s.Logger
	if l == nil {
		l = logger.Audit()
	}
	l.Log(ctx, levelOf(msg.Severity), msg.Text,
		slog.String("message_id", msg.ID),
		slog.String("code", string(msg.Code)),
		slog.String("extension_id", msg.ExtensionID),
		slog.String("dependency_id", msg.DependencyID),
	)
	return nil
}

func levelOf(sev xerrors.Severity) slog.Level {
	switch sev {
	case xerrors.SeverityInfo:
		return slog.LevelInfo
	case xerrors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Fanout 将消息广播给多个 Sink，忽略 nil。
type Fanout []Sink

// Notify 实现 Sink，所有 Sink 都会被调用。
func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink 在内存中保留最近的若干条消息，供 API 查询。
type MemorySink struct {
	mu       sync.RWMutex
	capacity int
	items    []Message
}

// NewMemorySink 创建容量为 capacity 的 MemorySink。
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{capacity: capacity}
}

// Notify 实现 Sink。
func (m *MemorySink) Notify(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, msg)
	if over := len(m.items) - m.capacity; over > 0 {
		m.items = append(m.items[:0:0], m.items[over:]...)
	}
	return nil
}

// List 按时间倒序返回最多 limit 条消息，limit<=0 表示全部。
func (m *MemorySink) List(limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.items) {
		limit = len(m.items)
	}
	out := make([]Message, 0, limit)
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.items[i])
	}
	return out
}

// ForExtension 返回与指定扩展相关的消息，按时间倒序。
func (m *MemorySink) ForExtension(id string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.items[i].ExtensionID == id {
			out = append(out, m.items[i])
		}
	}
	return out
}
