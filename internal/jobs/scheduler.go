package jobs

import (
	"context"
	"time"

	"study-lifecycle-go/pkg/log"
)

// Every 每隔 interval 调用一次 fn，直到 ctx 结束。interval <= 0 时不运行。
// fn 的错误只记录日志，不会中止调度。
func Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		log.Infof("[Scheduler] %s 未配置周期，跳过", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Infof("[Scheduler] %s 已启动，周期 %s", name, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Errorf("[Scheduler] %s 执行失败: %v", name, err)
			}
		}
	}
}
