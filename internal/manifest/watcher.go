package manifest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ExtensionHost/internal/messages"
	"ExtensionHost/pkg/extension"
	"ExtensionHost/pkg/logger"
)

// Watcher 监听扩展目录，在运行期间注册新放入的扩展。
type Watcher struct {
	root     string
	reg      Registrar
	sink     messages.Sink
	onAdded  func(context.Context, extension.Description)
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherOption 修改 Watcher 的行为。
type WatcherOption func(*Watcher)

// WithDebounce 设置同一目录两次事件之间的合并窗口。
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOnAdded 设置扩展注册成功后的回调。
func WithOnAdded(fn func(context.Context, extension.Description)) WatcherOption {
	return func(w *Watcher) {
		w.onAdded = fn
	}
}

// WithWatcherSink 设置无效清单的诊断消息接收方。
func WithWatcherSink(sink messages.Sink) WatcherOption {
	return func(w *Watcher) {
		w.sink = sink
	}
}

// NewWatcher 创建 Watcher，调用 Start 后才开始监听。
func NewWatcher(root string, reg Registrar, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		reg:      reg,
		debounce: 500 * time.Millisecond,
		logger:   logger.Named("manifest"),
		watcher:  fw,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Start 开始监听 root 及其已有子目录，立即返回。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("监听扩展目录失败", slog.String("dir", dir), slog.Any("error", err))
		}
	}
	w.logger.Info("开始监听扩展目录", slog.String("root", w.root))

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// Stop 停止监听并等待事件循环退出。未启动时只释放底层 fsnotify 句柄。
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("关闭目录监听失败", slog.Any("error", err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("目录监听出错", slog.Any("error", err))
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	var dir string
	switch {
	case filepath.Dir(event.Name) == filepath.Clean(w.root):
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		dir = event.Name
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("监听扩展目录失败", slog.String("dir", dir), slog.Any("error", err))
		}
	case isManifest(event.Name):
		dir = filepath.Dir(event.Name)
	default:
		return
	}
	w.mu.Lock()
	w.pending[dir] = time.Now()
	w.mu.Unlock()
}

func isManifest(path string) bool {
	base := filepath.Base(path)
	return base == PackageJSON || base == ExtensionYAML
}

// flush 处理静默时间超过合并窗口的目录。
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for dir, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, dir)
			delete(w.pending, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range ready {
		w.load(ctx, dir)
	}
}

func (w *Watcher) load(ctx context.Context, dir string) {
	desc, err := LoadDir(dir)
	if errors.Is(err, ErrNoManifest) {
		return
	}
	if err != nil {
		w.logger.Warn("扩展清单无效", slog.String("dir", dir), slog.Any("error", err))
		notify(ctx, w.sink, messages.New(CodeInvalidManifest, filepath.Base(dir), "", err.Error()))
		return
	}
	if err := w.reg.Register(desc); err != nil {
		w.logger.Debug("扩展未注册", slog.String("extension_id", desc.ID), slog.Any("error", err))
		return
	}
	w.logger.Info("发现新扩展", slog.String("extension_id", desc.ID), slog.String("dir", dir))
	if w.onAdded != nil {
		w.onAdded(ctx, desc)
	}
}
