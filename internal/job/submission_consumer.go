package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"creatorwallet/internal/infrastructure/mq"
	"creatorwallet/internal/service"

	"github.com/IBM/sarama"
)

// SubmissionConsumer 消费"投稿审核通过"事件，交给悬赏结算
type SubmissionConsumer struct {
	consumer *mq.Consumer
	bounties *service.BountyService
}

func NewSubmissionConsumer(consumer *mq.Consumer, bounties *service.BountyService) *SubmissionConsumer {
	return &SubmissionConsumer{
		consumer: consumer,
		bounties: bounties,
	}
}

func (s *SubmissionConsumer) Start(ctx context.Context) {
	slog.Info("[SubmissionConsumer] 审核事件消费启动")
	if err := s.consumer.Run(ctx, s.Handle); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("[SubmissionConsumer] 消费退出", "err", err)
	}
}

// Handle 单条消息处理。格式错误和校验失败的消息直接跳过，存储错误返回让消息重投
func (s *SubmissionConsumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event service.ApprovedSubmission
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		slog.Error("[SubmissionConsumer] 消息格式错误，跳过",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	result, err := s.bounties.ProcessApprovedSubmission(ctx, event)
	if err != nil {
		if errors.Is(err, service.ErrValidation) || errors.Is(err, service.ErrNotFound) {
			slog.Error("[SubmissionConsumer] 事件无效，跳过",
				"bounty_id", event.BountyID, "submission_id", event.SubmissionID, "err", err)
			return nil
		}
		return err
	}

	slog.Info("[SubmissionConsumer] 投稿已结算",
		"bounty_id", result.BountyID, "submission_id", result.SubmissionID,
		"effective_charge", result.EffectiveCharge, "already_charged", result.AlreadyCharged)
	return nil
}
