package job

import (
	"context"
	"log/slog"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/service"
)

// EventCleanupJob 删除超出保留窗口的回调去重记录
type EventCleanupJob struct {
	guard     *service.Guard
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewEventCleanupJob(guard *service.Guard, cfg *config.Config) *EventCleanupJob {
	return &EventCleanupJob{
		guard:     guard,
		stopCh:    make(chan struct{}),
		interval:  cfg.Webhook.CleanupEvery,
		batchSize: 1000,
	}
}

func (j *EventCleanupJob) Start(ctx context.Context) {
	slog.Info("[EventCleanupJob] 回调记录清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[EventCleanupJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			slog.Info("[EventCleanupJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *EventCleanupJob) Stop() {
	close(j.stopCh)
}

// RunOnce 分批删除，直到没有过期记录
func (j *EventCleanupJob) RunOnce(ctx context.Context) int64 {
	var total int64
	for {
		n, err := j.guard.PurgeExpired(ctx, j.batchSize)
		if err != nil {
			slog.Error("[EventCleanupJob] 清理失败", "err", err)
			return total
		}
		total += n
		if n < int64(j.batchSize) || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		slog.Info("[EventCleanupJob] 已清理过期回调记录", "count", total)
	}
	return total
}
