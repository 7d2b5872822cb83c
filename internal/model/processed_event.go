package model

import (
	"time"
)

// ProcessedEvent 已处理的支付渠道回调事件，保留 ExpiresAt 之前用于去重
type ProcessedEvent struct {
	EventID     string    `gorm:"type:varchar(128);primaryKey" json:"event_id"`
	EventType   string    `gorm:"type:varchar(64);not null" json:"event_type"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_event"
}
