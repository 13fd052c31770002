package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
	"ExtensionHost/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code         xerrors.Code      `json:"code"`
	Message      string            `json:"message"`
	Severity     xerrors.Severity  `json:"severity"`
	ExtensionID  string            `json:"extension_id,omitempty"`
	DependencyID string            `json:"dependency_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// FromMessage 把诊断消息转换为告警事件。
func FromMessage(msg messages.Message) Event {
	return Event{
		Code:         msg.Code,
		Message:      msg.Text,
		Severity:     msg.Severity,
		ExtensionID:  msg.ExtensionID,
		DependencyID: msg.DependencyID,
		Metadata:     map[string]string{"message_id": msg.ID},
		OccurredAt:   msg.OccurredAt,
	}
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[Channel(ch)]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// severityRank 用于比较严重程度。
var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityError:    2,
	xerrors.SeverityCritical: 3,
}

// Sink 把达到阈值的诊断消息转发给告警渠道，实现 messages.Sink。
type Sink struct {
	Dispatcher  *FanoutDispatcher
	MinSeverity xerrors.Severity
}

// Notify 实现 messages.Sink。
func (s Sink) Notify(ctx context.Context, msg messages.Message) error {
	if s.Dispatcher.Len() == 0 {
		return nil
	}
	threshold := s.MinSeverity
	if threshold == "" {
		threshold = xerrors.SeverityError
	}
	if severityRank[msg.Severity] < severityRank[threshold] {
		return nil
	}
	return s.Dispatcher.Notify(ctx, FromMessage(msg))
}

// WebhookNotifier 以 JSON 形式把事件 POST 到指定地址。
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 请求，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("extension_id", event.ExtensionID))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.post(ctx, body)
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.WebhookURL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("extension_id", event.ExtensionID))
		return nil
	}
	text := fmt.Sprintf("*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	hook := &WebhookNotifier{URL: n.WebhookURL, Client: n.Client}
	return hook.post(ctx, body)
}

// Config 描述告警渠道配置。
type Config struct {
	MinSeverity xerrors.Severity  `yaml:"min_severity"`
	WebhookURL  string            `yaml:"webhook_url"`
	Headers     map[string]string `yaml:"headers"`
	SlackURL    string            `yaml:"slack_url"`
}

// NewSink 根据配置构造告警 Sink；未配置任何渠道时返回的 Sink 不做任何事。
func NewSink(cfg Config) Sink {
	var notifiers []Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &WebhookNotifier{URL: cfg.WebhookURL, Headers: cfg.Headers})
	}
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, &SlackNotifier{WebhookURL: cfg.SlackURL})
	}
	return Sink{Dispatcher: NewFanout(notifiers...), MinSeverity: cfg.MinSeverity}
}
