package repository

import (
	"context"
	"errors"

	"creatorwallet/internal/model"
	"creatorwallet/pkg/idgen"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransactionNotFound      = errors.New("流水不存在")
	ErrTransactionStatusInvalid = errors.New("流水状态不合法")
)

// TransactionRepository 账本存储：只追加，状态只能按状态机推进
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Append 追加一条流水。相同 IdempotencyKey 已存在时返回已有记录，created=false
func (r *TransactionRepository) Append(ctx context.Context, tx *gorm.DB, trans *model.Transaction) (*model.Transaction, bool, error) {
	if trans.TransactionNo == "" {
		trans.TransactionNo = idgen.GenerateTransactionNo()
	}
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(trans)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := r.GetByIdempotencyKey(ctx, tx, trans.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return trans, true, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.conn(tx).WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.conn(tx).WithContext(ctx).Where("idempotency_key = ?", key).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// ListByUserID 按创建时间倒序分页
func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&transactions).Error

	return transactions, total, err
}

// SumCompleted 折叠所有 completed 流水的有符号金额。
// 单条聚合语句在一个快照内完成；需要与后续写入保持一致时传入事务 tx。
func (r *TransactionRepository) SumCompleted(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	var sum int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status = ?", userID, model.TransactionStatusCompleted).
		Scan(&sum).Error
	return sum, err
}

// UpdateStatus 只修改 status / updated_at，金额和类型永不改写
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, transactionNo, fromStatus, toStatus string) error {
	if !model.CanTransitionTransaction(fromStatus, toStatus) {
		return ErrTransactionStatusInvalid
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Where("transaction_no = ? AND status = ?", transactionNo, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionStatusInvalid
	}
	return nil
}

// SetTransferRef 回填渠道转账单号
func (r *TransactionRepository) SetTransferRef(ctx context.Context, tx *gorm.DB, transactionNo, transferRef string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Where("transaction_no = ? AND processor_transfer_ref IS NULL", transactionNo).
		Update("processor_transfer_ref", transferRef).Error
}

// BalanceSnapshot completed 流水合计与未完结提现占用额。
// 两个聚合放在同一条语句里，读取同一个快照，不会出现"流水已完成但预留还没释放"的重复扣减。
type BalanceSnapshot struct {
	Completed int64
	Reserved  int64
}

func (r *TransactionRepository) SnapshotBalance(ctx context.Context, tx *gorm.DB, userID string) (BalanceSnapshot, error) {
	var snap BalanceSnapshot
	err := r.conn(tx).WithContext(ctx).Raw(`
		SELECT
			(SELECT COALESCE(SUM(amount), 0) FROM wallet_transaction WHERE user_id = ? AND status = ?) AS completed,
			(SELECT COALESCE(SUM(amount), 0) FROM payout WHERE user_id = ? AND status IN ?) AS reserved`,
		userID, model.TransactionStatusCompleted,
		userID, []string{model.PayoutStatusPending, model.PayoutStatusProcessing},
	).Scan(&snap).Error
	return snap, err
}
