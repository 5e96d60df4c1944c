package task

import (
	"context"
)

// Handler 处理来自队列的作业 ID。返回错误表示本次投递未被处理。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费作业，Consume 阻塞直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func workers(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
