package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bounty 悬赏活动，资金池为 TotalBounty
type Bounty struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"type:varchar(128);not null" json:"name"`
	TotalBounty    int64     `gorm:"not null" json:"total_bounty"`
	RatePer1kViews int64     `gorm:"not null" json:"rate_per_1k_views"`
	ClaimedBounty  int64     `gorm:"not null;default:0" json:"claimed_bounty"`
	IsCompleted    bool      `gorm:"not null;default:false" json:"is_completed"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Bounty) TableName() string {
	return "bounty"
}

// Remaining 资金池剩余额度，不小于 0
func (b *Bounty) Remaining() int64 {
	if r := b.TotalBounty - b.ClaimedBounty; r > 0 {
		return r
	}
	return 0
}

// Progress claimed/total，截断到 [0,1]
func (b *Bounty) Progress() decimal.Decimal {
	one := decimal.NewFromInt(1)
	if b.TotalBounty <= 0 {
		return one
	}
	p := decimal.NewFromInt(b.ClaimedBounty).Div(decimal.NewFromInt(b.TotalBounty))
	if p.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if p.GreaterThan(one) {
		return one
	}
	return p
}

// BountyCharge 记录每个投稿的计费结果，(bounty_id, submission_id) 唯一，用于幂等
type BountyCharge struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	BountyID        int64     `gorm:"uniqueIndex:idx_bounty_submission;not null" json:"bounty_id"`
	SubmissionID    string    `gorm:"type:varchar(64);uniqueIndex:idx_bounty_submission;not null" json:"submission_id"`
	CreatorID       string    `gorm:"type:varchar(64);index;not null" json:"creator_id"`
	ViewCount       int64     `gorm:"not null" json:"view_count"`
	RawCharge       int64     `gorm:"not null" json:"raw_charge"`
	EffectiveCharge int64     `gorm:"not null" json:"effective_charge"`
	Clipped         bool      `gorm:"not null" json:"clipped"`
	TransactionNo   string    `gorm:"type:varchar(64)" json:"transaction_id,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BountyCharge) TableName() string {
	return "bounty_charge"
}
