package model

import (
	"time"
)

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
)

const (
	PayoutMethodStripe = "stripe"
	PayoutMethodBank   = "bank"
)

var validPayoutTransitions = map[string][]string{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusFailed},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusFailed},
}

func CanTransitionPayout(from, to string) bool {
	return canTransition(validPayoutTransitions, from, to)
}

func IsTerminalPayoutStatus(status string) bool {
	return status == PayoutStatusCompleted || status == PayoutStatusFailed
}

func IsValidPayoutMethod(method string) bool {
	return method == PayoutMethodStripe || method == PayoutMethodBank
}

// Payout 提现单
//
// InFlightKey 在非终态时等于 user_id，进入终态后置空。
// 该列上的唯一索引保证同一用户同一时刻最多只有一笔未完结的提现（NULL 不参与唯一约束）。
type Payout struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	PayoutNo             string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	UserID               string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount               int64     `gorm:"not null" json:"amount"`
	Status               string    `gorm:"type:varchar(20);index;not null" json:"status"`
	PayoutMethod         *string   `gorm:"type:varchar(20)" json:"payout_method"`
	Destination          string    `gorm:"type:varchar(128);not null" json:"-"`
	TransactionNo        string    `gorm:"type:varchar(64);not null" json:"transaction_id"`
	IdempotencyKey       string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"-"`
	ProcessorTransferRef *string   `gorm:"type:varchar(128);uniqueIndex" json:"processor_transfer_ref"`
	FailureReason        string    `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	Attempts             int       `gorm:"not null;default:0" json:"-"`
	InFlightKey          *string   `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	CreatedAt            time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string {
	return "payout"
}

func canTransition(table map[string][]string, from, to string) bool {
	allowed, exists := table[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
