package events

import (
	"context"
	"sync"

	xerrors "ExtensionHost/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内的事件队列。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
	// mu 的读锁覆盖发送，写锁保证 close(ch) 时没有进行中的发送。
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将事件投递到队列。队列已满时阻塞，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, event string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- event:
		return nil
	}
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}

// Consume 启动指定数量的工作协程消费队列中的事件，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，阻塞中的 Publish 会立即返回错误。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
