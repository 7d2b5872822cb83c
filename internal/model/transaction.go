package model

import (
	"time"
)

// ============================================================================
// 交易类型 / 状态常量
// ============================================================================

const (
	TransactionTypeDeposit      = "deposit"       // 充值（入账）
	TransactionTypeWithdrawal   = "withdrawal"    // 提取（出账）
	TransactionTypePayout       = "payout"        // 提现到外部账户（出账）
	TransactionTypeBountyCharge = "bounty_charge" // 悬赏分成（入账）
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
	TransactionStatusRefunded  = "refunded"
)

var validTransactionTransitions = map[string][]string{
	TransactionStatusPending:   {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted: {TransactionStatusRefunded},
}

func CanTransitionTransaction(from, to string) bool {
	return canTransition(validTransactionTransitions, from, to)
}

// IsCreditType 入账类型金额为正，出账类型金额为负
func IsCreditType(txType string) bool {
	return txType == TransactionTypeDeposit || txType == TransactionTypeBountyCharge
}

func IsValidTransactionType(txType string) bool {
	switch txType {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypePayout, TransactionTypeBountyCharge:
		return true
	}
	return false
}

// ============================================================================
// 钱包流水实体
// ============================================================================

// Transaction 钱包流水表，余额的唯一事实来源
//
// 【重要】流水表设计原则：
// 1. 只追加，不删除：状态只能沿 pending->completed/failed、completed->refunded 推进
// 2. 金额与类型一经写入不再修改
// 3. idempotency_key 唯一：同一个 key 重试只会落一条流水
type Transaction struct {
	ID                        int64             `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionNo             string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	UserID                    string            `gorm:"type:varchar(64);index:idx_tx_user_status;not null" json:"user_id"`
	Type                      string            `gorm:"type:varchar(20);not null" json:"type"`
	Amount                    int64             `gorm:"not null" json:"amount"` // 最小货币单位，入账为正，出账为负
	Status                    string            `gorm:"type:varchar(20);index:idx_tx_user_status;not null" json:"status"`
	ReferenceNo               string            `gorm:"type:varchar(64);index" json:"reference_no,omitempty"` // 关联的提现单号 / 投稿ID
	IdempotencyKey            string            `gorm:"type:varchar(128);uniqueIndex;not null" json:"-"`
	ProcessorPaymentIntentRef *string           `gorm:"type:varchar(128)" json:"processor_payment_intent_ref"`
	ProcessorTransferRef      *string           `gorm:"type:varchar(128)" json:"processor_transfer_ref"`
	Metadata                  map[string]string `gorm:"serializer:json;type:text" json:"metadata,omitempty"`
	CreatedAt                 time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt                 time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "wallet_transaction"
}
