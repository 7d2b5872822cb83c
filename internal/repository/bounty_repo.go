package repository

import (
	"context"
	"errors"

	"creatorwallet/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBountyNotFound       = errors.New("悬赏不存在")
	ErrBountyChargeNotFound = errors.New("投稿计费记录不存在")
	ErrBountyChargeExists   = errors.New("投稿已计费")
)

type BountyRepository struct {
	db *gorm.DB
}

func NewBountyRepository(db *gorm.DB) *BountyRepository {
	return &BountyRepository{db: db}
}

func (r *BountyRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *BountyRepository) Create(ctx context.Context, bounty *model.Bounty) error {
	return r.db.WithContext(ctx).Create(bounty).Error
}

func (r *BountyRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Bounty, error) {
	var bounty model.Bounty
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&bounty).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBountyNotFound
		}
		return nil, err
	}
	return &bounty, nil
}

// GetByIDForUpdate 同一悬赏的计费串行执行，保证 claimed_bounty 不超过资金池
func (r *BountyRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Bounty, error) {
	var bounty model.Bounty
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&bounty).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBountyNotFound
		}
		return nil, err
	}
	return &bounty, nil
}

// AddClaimed 累加已领取金额；SQL 条件再兜底一次资金池上限
func (r *BountyRepository) AddClaimed(ctx context.Context, tx *gorm.DB, id, amount int64, completed bool) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Bounty{}).
		Where("id = ? AND claimed_bounty + ? <= total_bounty", id, amount).
		Updates(map[string]interface{}{
			"claimed_bounty": gorm.Expr("claimed_bounty + ?", amount),
			"is_completed":   completed,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBountyNotFound
	}
	return nil
}

func (r *BountyRepository) MarkCompleted(ctx context.Context, tx *gorm.DB, id int64) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.Bounty{}).
		Where("id = ?", id).
		Update("is_completed", true).Error
}

func (r *BountyRepository) GetCharge(ctx context.Context, tx *gorm.DB, bountyID int64, submissionID string) (*model.BountyCharge, error) {
	var charge model.BountyCharge
	err := r.conn(tx).WithContext(ctx).
		Where("bounty_id = ? AND submission_id = ?", bountyID, submissionID).
		First(&charge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBountyChargeNotFound
		}
		return nil, err
	}
	return &charge, nil
}

func (r *BountyRepository) CreateCharge(ctx context.Context, tx *gorm.DB, charge *model.BountyCharge) error {
	err := r.conn(tx).WithContext(ctx).Create(charge).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrBountyChargeExists
	}
	return err
}
