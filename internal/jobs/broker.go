package jobs

import (
	"context"
	"fmt"
	"sync"

	"study-lifecycle-go/pkg/tasks"
)

// Broker 是作业队列：按池投递信封并把消息交给登记的处理函数。
// kafka.Broker 是生产实现。
type Broker interface {
	Publish(ctx context.Context, pool tasks.Pool, env tasks.Envelope) error
	Subscribe(pool tasks.Pool, handle tasks.DeliveryFunc)
	Run(ctx context.Context) error
	Close() error
}

// InlineBroker 在 Publish 调用中同步执行处理函数。
// 用于测试以及命令行中的一次性执行。
type InlineBroker struct {
	mu       sync.RWMutex
	handlers map[tasks.Pool]tasks.DeliveryFunc
}

// NewInlineBroker 创建一个新的 InlineBroker。
func NewInlineBroker() *InlineBroker {
	return &InlineBroker{handlers: map[tasks.Pool]tasks.DeliveryFunc{}}
}

func (b *InlineBroker) Publish(ctx context.Context, pool tasks.Pool, env tasks.Envelope) error {
	b.mu.RLock()
	handle, ok := b.handlers[pool]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no consumer for pool %s", pool)
	}
	return handle(ctx, env)
}

func (b *InlineBroker) Subscribe(pool tasks.Pool, handle tasks.DeliveryFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pool] = handle
}

// Run 没有后台工作，立即返回。
func (b *InlineBroker) Run(ctx context.Context) error { return nil }

func (b *InlineBroker) Close() error { return nil }
