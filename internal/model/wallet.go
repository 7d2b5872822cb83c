package model

import (
	"time"
)

// Wallet 用户钱包
// 不存余额（余额由流水折叠得出），只作为按用户加行锁的锚点和提现目标账户的归属
type Wallet struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	PayoutAccount string    `gorm:"type:varchar(128)" json:"payout_account,omitempty"` // 支付渠道侧的收款账户
	Version       int       `gorm:"not null;default:0" json:"-"`                       // 每次预留资金递增
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}
