package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"creatorwallet/internal/infrastructure/processor"
	"creatorwallet/internal/model"

	"gorm.io/gorm"
)

// WebhookResult 回调处理结果
type WebhookResult struct {
	EventID   string        `json:"event_id"`
	Duplicate bool          `json:"duplicate"`
	Ignored   bool          `json:"ignored"`
	Applied   bool          `json:"applied"`
	Payout    *model.Payout `json:"payout,omitempty"`
}

// WebhookService 渠道回调入口：验签 -> 事件去重 -> 回写提现结果
type WebhookService struct {
	client  processor.Client
	guard   *Guard
	payouts *PayoutService
}

func NewWebhookService(client processor.Client, guard *Guard, payouts *PayoutService) *WebhookService {
	return &WebhookService{
		client:  client,
		guard:   guard,
		payouts: payouts,
	}
}

func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := s.client.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, processor.ErrInvalidSignature) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, validationf("回调解析失败: %v", err)
	}
	if event.EventID == "" {
		return nil, validationf("回调缺少事件ID")
	}

	result := &WebhookResult{EventID: event.EventID}

	if !event.Relevant {
		fresh, err := s.guard.MarkEvent(ctx, nil, event.EventID, event.EventType)
		if err != nil {
			return nil, persistence("记录回调事件", err)
		}
		result.Duplicate = !fresh
		result.Ignored = true
		slog.Debug("[Webhook] 忽略无关事件", "event_id", event.EventID, "event_type", event.EventType)
		return result, nil
	}

	// 快速路径：已处理过的事件不再加锁
	seen, err := s.guard.Seen(ctx, event.EventID)
	if err != nil {
		return nil, persistence("查询回调事件", err)
	}
	if seen {
		result.Duplicate = true
		slog.Info("[Webhook] 重复事件，已丢弃", "event_id", event.EventID)
		return result, nil
	}

	duplicate := false
	payout, applied, err := s.payouts.applyWithMark(ctx, ProcessorResult{
		TransferRef: event.TransferRef,
		PayoutNo:    event.PayoutNo,
		Outcome:     event.Outcome,
		Reason:      event.Reason,
	}, func(ctx context.Context, tx *gorm.DB) (bool, error) {
		fresh, err := s.guard.MarkEvent(ctx, tx, event.EventID, event.EventType)
		duplicate = !fresh
		return fresh, err
	})
	if err != nil {
		slog.Error("[Webhook] 回写提现结果失败", "event_id", event.EventID,
			"transfer_ref", event.TransferRef, "payout_no", event.PayoutNo, "err", err)
		return nil, err
	}

	result.Duplicate = duplicate
	result.Applied = applied
	if !duplicate {
		result.Payout = payout
	}
	slog.Info("[Webhook] 事件已处理", "event_id", event.EventID, "event_type", event.EventType,
		"duplicate", duplicate, "applied", applied)
	return result, nil
}
