package repository

import (
	"context"
	"errors"
	"time"

	"creatorwallet/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPayoutNotFound      = errors.New("提现单不存在")
	ErrPayoutStatusInvalid = errors.New("提现单状态不合法")
	ErrPayoutInFlight      = errors.New("存在未完结的提现单")
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 新建提现单并占用 in_flight_key
func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.Payout) error {
	userID := payout.UserID
	payout.InFlightKey = &userID
	err := r.conn(tx).WithContext(ctx).Create(payout).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrPayoutInFlight
	}
	return err
}

func (r *PayoutRepository) GetByPayoutNo(ctx context.Context, tx *gorm.DB, payoutNo string) (*model.Payout, error) {
	return r.first(ctx, tx, "payout_no = ?", payoutNo)
}

func (r *PayoutRepository) GetByTransferRef(ctx context.Context, tx *gorm.DB, transferRef string) (*model.Payout, error) {
	return r.first(ctx, tx, "processor_transfer_ref = ?", transferRef)
}

// GetInFlight 返回用户未完结的提现单，没有时返回 nil, nil
func (r *PayoutRepository) GetInFlight(ctx context.Context, tx *gorm.DB, userID string) (*model.Payout, error) {
	payout, err := r.first(ctx, tx, "user_id = ? AND status IN ?", userID,
		[]string{model.PayoutStatusPending, model.PayoutStatusProcessing})
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, nil
	}
	return payout, err
}

func (r *PayoutRepository) first(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.Payout, error) {
	var payout model.Payout
	err := r.conn(tx).WithContext(ctx).Where(query, args...).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// UpdateStatus 带前置状态条件的状态推进；进入终态时释放 in_flight_key
func (r *PayoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, payoutNo, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionPayout(fromStatus, toStatus) {
		return ErrPayoutStatusInvalid
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}
	if model.IsTerminalPayoutStatus(toStatus) {
		updates["in_flight_key"] = nil
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Payout{}).
		Where("payout_no = ? AND status = ?", payoutNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}
	return nil
}

// SetTransferRef 只在尚未回填时写入
func (r *PayoutRepository) SetTransferRef(ctx context.Context, tx *gorm.DB, payoutNo, transferRef string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.Payout{}).
		Where("payout_no = ? AND processor_transfer_ref IS NULL", payoutNo).
		Update("processor_transfer_ref", transferRef).Error
}

func (r *PayoutRepository) IncrementAttempts(ctx context.Context, tx *gorm.DB, payoutNo string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.Payout{}).
		Where("payout_no = ?", payoutNo).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

func (r *PayoutRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*model.Payout, int64, error) {
	var payouts []*model.Payout
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Payout{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&payouts).Error

	return payouts, total, err
}

// ListStale 查询在 status 停留超过 before 的提现单，供对账任务使用
func (r *PayoutRepository) ListStale(ctx context.Context, status string, before time.Time, limit int) ([]*model.Payout, error) {
	var payouts []*model.Payout
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payouts).Error
	return payouts, err
}
