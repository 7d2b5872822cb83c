package job

import (
	"context"
	"log/slog"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/model"
	"creatorwallet/internal/service"
)

// PayoutReconcileJob 提现对账补偿
//   - pending 超时：进程在发起渠道调用前退出，用原幂等键重新发起
//   - processing 且没有渠道单号：渠道调用结果未知，用原幂等键重新发起，渠道侧去重
//   - processing 且已有渠道单号：只能等回调，超时后告警人工处理，绝不自行释放预留资金
type PayoutReconcileJob struct {
	payouts   *service.PayoutService
	stopCh    chan struct{}
	interval  time.Duration
	stuck     time.Duration
	batchSize int
}

func NewPayoutReconcileJob(payouts *service.PayoutService, cfg *config.Config) *PayoutReconcileJob {
	return &PayoutReconcileJob{
		payouts:   payouts,
		stopCh:    make(chan struct{}),
		interval:  cfg.Payout.ReconcileEvery,
		stuck:     cfg.Payout.StuckAfter,
		batchSize: cfg.Payout.ReconcileBatch,
	}
}

func (j *PayoutReconcileJob) Start(ctx context.Context) {
	slog.Info("[PayoutReconcileJob] 提现对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[PayoutReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			slog.Info("[PayoutReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PayoutReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮对账，返回重新发起的提现数
func (j *PayoutReconcileJob) RunOnce(ctx context.Context) int {
	redispatched := 0
	for _, status := range []string{model.PayoutStatusPending, model.PayoutStatusProcessing} {
		payouts, err := j.payouts.StalePayouts(ctx, status, j.stuck, j.batchSize)
		if err != nil {
			slog.Error("[PayoutReconcileJob] 查询滞留提现失败", "status", status, "err", err)
			continue
		}
		for _, payout := range payouts {
			if payout.ProcessorTransferRef != nil {
				slog.Error("[PayoutReconcileJob] 提现长时间未收到渠道回调，需人工对账",
					"payout_no", payout.PayoutNo, "user_id", payout.UserID,
					"amount", payout.Amount, "transfer_ref", *payout.ProcessorTransferRef,
					"since", payout.UpdatedAt)
				continue
			}
			if j.redispatch(ctx, payout) {
				redispatched++
			}
		}
	}
	if redispatched > 0 {
		slog.Info("[PayoutReconcileJob] 本轮重新发起提现", "count", redispatched)
	}
	return redispatched
}

func (j *PayoutReconcileJob) redispatch(ctx context.Context, payout *model.Payout) bool {
	slog.Warn("[PayoutReconcileJob] 重新发起滞留提现",
		"payout_no", payout.PayoutNo, "status", payout.Status, "attempts", payout.Attempts)

	result, err := j.payouts.Redispatch(ctx, payout.PayoutNo)
	if err != nil {
		slog.Error("[PayoutReconcileJob] 重新发起失败", "payout_no", payout.PayoutNo, "err", err)
		return result != nil
	}
	slog.Info("[PayoutReconcileJob] 重新发起完成", "payout_no", payout.PayoutNo, "status", result.Status)
	return true
}
