package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ExtensionHost/internal/auth"
	"ExtensionHost/internal/events"
	"ExtensionHost/internal/observability/alerting"
	"ExtensionHost/internal/storage/mysql"
	"ExtensionHost/internal/storage/redis"
	"ExtensionHost/pkg/extension"
	"ExtensionHost/pkg/logger"
)

// Config 描述扩展宿主启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Extensions ExtensionsConfig `yaml:"extensions"`
	Messages   MessagesConfig   `yaml:"messages"`
	History    HistoryConfig    `yaml:"history"`
	State      StateConfig      `yaml:"state"`
	Queue      QueueConfig      `yaml:"queue"`
	Auth       auth.Config      `yaml:"auth"`
	Log        logger.Config    `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Alerts     alerting.Config  `yaml:"alerts"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ExtensionsConfig 描述扩展目录与解析器参数。
type ExtensionsConfig struct {
	Dir            string                     `yaml:"dir"`
	Watch          bool                       `yaml:"watch"`
	WatchDebounce  time.Duration              `yaml:"watch_debounce"`
	MaxDepth       int                        `yaml:"max_depth"`
	Concurrency    int                        `yaml:"concurrency"`
	ActivateOnBoot bool                       `yaml:"activate_on_boot"`
	ReadyTimeout   time.Duration              `yaml:"ready_timeout"`
	Defaults       extension.Policy           `yaml:"defaults"`
	Overrides      map[string]ExtensionConfig `yaml:"overrides"`
}

// ExtensionConfig 是单个扩展的配置块。
type ExtensionConfig struct {
	Config map[string]any    `yaml:"config"`
	Policy *extension.Policy `yaml:"policy"`
}

// MessagesConfig 控制内存中保留的诊断消息数量。
type MessagesConfig struct {
	Capacity int `yaml:"capacity"`
}

// HistoryConfig 选择激活历史的存储后端：none、file 或 mysql。
type HistoryConfig struct {
	Driver  string       `yaml:"driver"`
	DataDir string       `yaml:"data_dir"`
	MySQL   mysql.Config `yaml:"mysql"`
}

// StateConfig 控制是否把激活状态镜像到 Redis。
type StateConfig struct {
	Enabled bool         `yaml:"enabled"`
	Redis   redis.Config `yaml:"redis"`
}

// QueueConfig 选择激活事件队列：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string                  `yaml:"driver"`
	Size     int                     `yaml:"size"`
	Workers  int                     `yaml:"workers"`
	Redis    events.RedisQueueConfig `yaml:"redis"`
	RabbitMQ events.RabbitMQConfig   `yaml:"rabbitmq"`
}

// MetricsConfig 控制指标暴露方式。Address 非空时额外启动独立端口。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default 返回未提供配置文件时使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.Metrics.Enabled = true
	cfg.Extensions.ActivateOnBoot = true
	cfg.applyDefaults(".")
	return cfg
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。未知字段视为错误。
func Parse(content []byte, baseDir string) (*Config, error) {
	cfg := &Config{}
	cfg.Metrics.Enabled = true
	cfg.Extensions.ActivateOnBoot = true

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Extensions.Dir = resolve(baseDir, c.Extensions.Dir, "extensions")
	if c.Extensions.WatchDebounce <= 0 {
		c.Extensions.WatchDebounce = 500 * time.Millisecond
	}
	if c.Extensions.MaxDepth <= 0 {
		c.Extensions.MaxDepth = 10
	}
	if c.Extensions.ReadyTimeout <= 0 {
		c.Extensions.ReadyTimeout = 30 * time.Second
	}
	if c.Extensions.Overrides == nil {
		c.Extensions.Overrides = map[string]ExtensionConfig{}
	}

	if c.Messages.Capacity <= 0 {
		c.Messages.Capacity = 256
	}

	if c.History.Driver == "" {
		c.History.Driver = "file"
	}
	c.History.DataDir = resolve(baseDir, c.History.DataDir, "data")

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 128
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path, "")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查配置之间的一致性。
func (c *Config) Validate() error {
	switch c.History.Driver {
	case "none", "file":
	case "mysql":
		if strings.TrimSpace(c.History.MySQL.DSN) == "" {
			return errors.New("history.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 history.driver: %s", c.History.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 queue.driver: %s", c.Queue.Driver)
	}

	if c.State.Enabled && c.State.Redis.Address == "" {
		return errors.New("state.redis.address 不能为空")
	}
	for id := range c.Extensions.Overrides {
		if strings.TrimSpace(id) == "" {
			return errors.New("extensions.overrides 中存在空的扩展 ID")
		}
	}
	return nil
}

// ApplyEnv 使用 EXTHOST_* 环境变量覆盖部分字段。
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("EXTHOST_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := getenv("EXTHOST_EXTENSIONS_DIR"); v != "" {
		c.Extensions.Dir = v
	}
	if v := getenv("EXTHOST_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("EXTHOST_MAX_DEPTH"); v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil || depth <= 0 {
			return fmt.Errorf("EXTHOST_MAX_DEPTH 必须是正整数: %q", v)
		}
		c.Extensions.MaxDepth = depth
	}
	if v := getenv("EXTHOST_MYSQL_DSN"); v != "" {
		c.History.Driver = "mysql"
		c.History.MySQL.DSN = v
	}
	return c.Validate()
}
