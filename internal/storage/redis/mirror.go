package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
)

// Config 描述状态镜像使用的 Redis 连接参数。
type Config struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Entry 是写入 Redis hash 的单个扩展状态。
type Entry struct {
	ExtensionID  string `json:"extension_id"`
	State        string `json:"state"`
	ActivationID string `json:"activation_id,omitempty"`
	Trigger      string `json:"trigger,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Error        string `json:"error,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Mirror 把扩展的终态写入 Redis hash，并在频道上广播诊断消息，
// 供其他宿主实例或运维工具观察。
type Mirror struct {
	client  *goredis.Client
	hashKey string
	channel string
	ttl     time.Duration
}

// New 连接 Redis 并创建 Mirror。
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败", xerrors.WithRetryable(true))
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient 使用已有客户端创建 Mirror。
func NewWithClient(client *goredis.Client, prefix string) *Mirror {
	if prefix == "" {
		prefix = "exthost"
	}
	return &Mirror{
		client:  client,
		hashKey: prefix + ":activations",
		channel: prefix + ":messages",
		ttl:     24 * time.Hour,
	}
}

// HashKey 返回状态 hash 的键名。
func (m *Mirror) HashKey() string { return m.hashKey }

// Channel 返回诊断消息频道名。
func (m *Mirror) Channel() string { return m.channel }

// Reset 清空上一次运行留下的状态。
func (m *Mirror) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, m.hashKey).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空 Redis 状态失败")
	}
	return nil
}

// Put 写入单个扩展的状态并刷新过期时间。
func (m *Mirror) Put(ctx context.Context, entry Entry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.hashKey, entry.ExtensionID, payload)
	pipe.Expire(ctx, m.hashKey, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 状态失败", xerrors.WithRetryable(true))
	}
	return nil
}

// Get 读取单个扩展的状态。
func (m *Mirror) Get(ctx context.Context, extensionID string) (Entry, bool, error) {
	raw, err := m.client.HGet(ctx, m.hashKey, extensionID).Result()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 状态失败")
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// All 读取全部扩展状态。
func (m *Mirror) All(ctx context.Context) (map[string]Entry, error) {
	values, err := m.client.HGetAll(ctx, m.hashKey).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 状态失败")
	}
	out := make(map[string]Entry, len(values))
	for id, raw := range values {
		entry, err := decodeEntry(raw)
		if err != nil {
			continue
		}
		out[id] = entry
	}
	return out, nil
}

// Notify 实现 messages.Sink，将诊断消息发布到频道。
func (m *Mirror) Notify(ctx context.Context, msg messages.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化诊断消息失败")
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "发布诊断消息失败", xerrors.WithRetryable(true))
	}
	return nil
}

// Subscribe 订阅诊断消息频道，直到 ctx 结束。解析失败的消息被丢弃。
func (m *Mirror) Subscribe(ctx context.Context) <-chan messages.Message {
	sub := m.client.Subscribe(ctx, m.channel)
	out := make(chan messages.Message)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg messages.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close 关闭 Redis 连接。
func (m *Mirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func encodeEntry(entry Entry) (string, error) {
	if entry.ExtensionID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "扩展 ID 不能为空")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化扩展状态失败")
	}
	return string(raw), nil
}

func decodeEntry(raw string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析扩展状态失败")
	}
	return entry, nil
}
