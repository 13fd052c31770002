package events

import (
	"context"
)

// Handler 处理来自队列的激活事件名。
type Handler func(ctx context.Context, event string) error

// Producer 负责向队列投递激活事件。
type Producer interface {
	Publish(ctx context.Context, event string) error
	Close() error
}

// Consumer 负责从队列中消费激活事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
