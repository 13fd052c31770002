package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ExtensionHost/internal/config"
	"ExtensionHost/internal/host"
	"ExtensionHost/pkg/logger"
)

// main 是扩展宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("exthostd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}

	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	h, err := host.New(ctx, cfg)
	if err != nil {
		return err
	}
	logger.L().Info("扩展宿主启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("extensions", cfg.Extensions.Dir),
		slog.String("history", cfg.History.Driver),
		slog.String("queue", cfg.Queue.Driver))

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("扩展宿主已停止")
	return nil
}

// loadConfig 优先读取 EXTHOST_CONFIG；未设置且默认文件不存在时使用内置默认值。
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("EXTHOST_CONFIG"); path != "" {
		return config.Load(path)
	}
	path := filepath.Join("configs", "exthost.yaml")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}
