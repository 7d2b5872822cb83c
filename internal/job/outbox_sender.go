package job

import (
	"context"
	"log/slog"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/model"
	"creatorwallet/internal/repository"

	"gorm.io/gorm"
)

// MessageSender Kafka 生产者，mq.Producer 实现
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 轮询 outbox 表，把业务事件投递到 Kafka
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	producer   MessageSender
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, producer MessageSender, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	slog.Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			slog.Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		slog.Error("[OutboxSender] 查询消息失败", "err", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			slog.Error("[OutboxSender] 更新消息状态失败", "id", msg.ID, "err", updateErr)
		} else {
			slog.Debug("[OutboxSender] 消息发送成功", "id", msg.ID, "topic", msg.Topic,
				"key", msg.MessageKey, "event_type", msg.EventType)
		}
		return
	}

	slog.Warn("[OutboxSender] 消息发送失败", "id", msg.ID, "event_type", msg.EventType, "err", err)

	// MarkAsFailed 自带 retry_count + 1
	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			slog.Error("[OutboxSender] 标记消息失败状态失败", "id", msg.ID, "err", err)
		} else {
			slog.Error("[OutboxSender] 消息超过最大重试次数，标记为失败", "id", msg.ID, "key", msg.MessageKey)
		}
		return
	}
	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		slog.Error("[OutboxSender] 增加重试次数失败", "id", msg.ID, "err", err)
	}
}
