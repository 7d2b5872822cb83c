package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"creatorwallet/internal/config"
	"creatorwallet/internal/model"
	"creatorwallet/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ApprovedSubmission 外部审核系统发出的"投稿已通过"事件
type ApprovedSubmission struct {
	BountyID       int64  `json:"bounty_id"`
	SubmissionID   string `json:"submission_id"`
	CreatorID      string `json:"creator_id"`
	ViewCount      int64  `json:"view_count"`
	RatePer1kViews int64  `json:"rate_per_1k_views,omitempty"` // >0 时覆盖悬赏自身的费率
}

// ChargeResult Clipped=true 表示资金池不足，实际入账小于按播放量计算的金额
type ChargeResult struct {
	BountyID        int64           `json:"bounty_id"`
	SubmissionID    string          `json:"submission_id"`
	RawCharge       int64           `json:"raw_charge"`
	EffectiveCharge int64           `json:"effective_charge"`
	Clipped         bool            `json:"clipped"`
	AlreadyCharged  bool            `json:"already_charged"`
	TransactionNo   string          `json:"transaction_id,omitempty"`
	Progress        *BountyProgress `json:"bounty"`
}

type BountyProgress struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	TotalBounty        int64           `json:"total_bounty"`
	RatePer1kViews     int64           `json:"rate_per_1k_views"`
	ClaimedBounty      int64           `json:"claimed_bounty"`
	ProgressPercentage decimal.Decimal `json:"progress_percentage"`
	IsCompleted        bool            `json:"is_completed"`
}

func progressOf(b *model.Bounty) *BountyProgress {
	return &BountyProgress{
		ID:                 b.ID,
		Name:               b.Name,
		TotalBounty:        b.TotalBounty,
		RatePer1kViews:     b.RatePer1kViews,
		ClaimedBounty:      b.ClaimedBounty,
		ProgressPercentage: b.Progress(),
		IsCompleted:        b.IsCompleted || b.ClaimedBounty >= b.TotalBounty,
	}
}

// RawCharge floor(viewCount / 1000 * ratePer1k)，超出 int64 时饱和
func RawCharge(viewCount, ratePer1k int64) int64 {
	raw := decimal.NewFromInt(viewCount).
		Mul(decimal.NewFromInt(ratePer1k)).
		Div(decimal.NewFromInt(1000)).
		Floor()
	if raw.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return raw.IntPart()
}

// BountyService 悬赏进度聚合：把通过审核的投稿折算成 bounty_charge 流水
type BountyService struct {
	db         *gorm.DB
	cfg        *config.Config
	ledger     *LedgerService
	bountyRepo *repository.BountyRepository
	walletRepo *repository.WalletRepository
	outboxRepo *repository.OutboxRepository
}

func NewBountyService(db *gorm.DB, ledger *LedgerService, cfg *config.Config) *BountyService {
	return &BountyService{
		db:         db,
		cfg:        cfg,
		ledger:     ledger,
		bountyRepo: repository.NewBountyRepository(db),
		walletRepo: repository.NewWalletRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// CreateBounty 创建悬赏资金池，claimed_bounty 从 0 开始
func (s *BountyService) CreateBounty(ctx context.Context, name string, totalBounty, ratePer1kViews int64) (*BountyProgress, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationf("悬赏名称不能为空")
	}
	if totalBounty <= 0 {
		return nil, validationf("total_bounty 必须大于 0，当前 %d", totalBounty)
	}
	if ratePer1kViews <= 0 {
		return nil, validationf("rate_per_1k_views 必须大于 0，当前 %d", ratePer1kViews)
	}

	bounty := &model.Bounty{Name: name, TotalBounty: totalBounty, RatePer1kViews: ratePer1kViews}
	if err := s.bountyRepo.Create(ctx, bounty); err != nil {
		return nil, persistence("创建悬赏", err)
	}
	slog.Info("[Bounty] 悬赏已创建", "bounty_id", bounty.ID, "total_bounty", totalBounty, "rate_per_1k_views", ratePer1kViews)
	return progressOf(bounty), nil
}

func (s *BountyService) GetProgress(ctx context.Context, bountyID int64) (*BountyProgress, error) {
	bounty, err := s.bountyRepo.GetByID(ctx, nil, bountyID)
	if err != nil {
		if errors.Is(err, repository.ErrBountyNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("查询悬赏", err)
	}
	return progressOf(bounty), nil
}

// ProcessApprovedSubmission 同一个 submission 重复投递只计费一次；
// 资金池不足时按剩余额度截断，剩余为 0 时仍记录投稿但入账 0 并标记悬赏完成。
func (s *BountyService) ProcessApprovedSubmission(ctx context.Context, in ApprovedSubmission) (*ChargeResult, error) {
	if in.BountyID <= 0 {
		return nil, validationf("bounty_id 不合法")
	}
	if strings.TrimSpace(in.SubmissionID) == "" || strings.TrimSpace(in.CreatorID) == "" {
		return nil, validationf("submission_id 和 creator_id 不能为空")
	}
	if in.ViewCount < 0 {
		return nil, validationf("view_count 不能为负数")
	}
	if in.RatePer1kViews < 0 {
		return nil, validationf("rate_per_1k_views 不能为负数")
	}

	if _, err := s.walletRepo.GetOrCreate(ctx, nil, in.CreatorID); err != nil {
		return nil, persistence("获取钱包", err)
	}

	var result *ChargeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bounty, err := s.bountyRepo.GetByIDForUpdate(ctx, tx, in.BountyID)
		if err != nil {
			if errors.Is(err, repository.ErrBountyNotFound) {
				return ErrNotFound
			}
			return err
		}

		existing, err := s.bountyRepo.GetCharge(ctx, tx, in.BountyID, in.SubmissionID)
		if err == nil {
			result = &ChargeResult{
				BountyID:        existing.BountyID,
				SubmissionID:    existing.SubmissionID,
				RawCharge:       existing.RawCharge,
				EffectiveCharge: existing.EffectiveCharge,
				Clipped:         existing.Clipped,
				AlreadyCharged:  true,
				TransactionNo:   existing.TransactionNo,
				Progress:        progressOf(bounty),
			}
			return nil
		}
		if !errors.Is(err, repository.ErrBountyChargeNotFound) {
			return err
		}

		rate := bounty.RatePer1kViews
		if in.RatePer1kViews > 0 {
			rate = in.RatePer1kViews
		}
		raw := RawCharge(in.ViewCount, rate)
		remaining := bounty.Remaining()
		effective := raw
		if effective > remaining {
			effective = remaining
		}

		charge := &model.BountyCharge{
			BountyID:        bounty.ID,
			SubmissionID:    in.SubmissionID,
			CreatorID:       in.CreatorID,
			ViewCount:       in.ViewCount,
			RawCharge:       raw,
			EffectiveCharge: effective,
			Clipped:         effective < raw,
		}

		if effective > 0 {
			trans, err := s.ledger.append(ctx, tx, AppendRequest{
				UserID:         in.CreatorID,
				Type:           model.TransactionTypeBountyCharge,
				Amount:         effective,
				Status:         model.TransactionStatusCompleted,
				ReferenceNo:    in.SubmissionID,
				IdempotencyKey: fmt.Sprintf("bounty:%d:%s", bounty.ID, in.SubmissionID),
				Metadata: map[string]string{
					"bounty_id":     strconv.FormatInt(bounty.ID, 10),
					"submission_id": in.SubmissionID,
					"view_count":    strconv.FormatInt(in.ViewCount, 10),
				},
			})
			if err != nil {
				return err
			}
			charge.TransactionNo = trans.TransactionNo

			bounty.ClaimedBounty += effective
			bounty.IsCompleted = bounty.ClaimedBounty >= bounty.TotalBounty
			if err := s.bountyRepo.AddClaimed(ctx, tx, bounty.ID, effective, bounty.IsCompleted); err != nil {
				return err
			}
		} else if remaining == 0 && !bounty.IsCompleted {
			bounty.IsCompleted = true
			if err := s.bountyRepo.MarkCompleted(ctx, tx, bounty.ID); err != nil {
				return err
			}
		}

		if err := s.bountyRepo.CreateCharge(ctx, tx, charge); err != nil {
			return err
		}

		result = &ChargeResult{
			BountyID:        bounty.ID,
			SubmissionID:    in.SubmissionID,
			RawCharge:       raw,
			EffectiveCharge: effective,
			Clipped:         charge.Clipped,
			TransactionNo:   charge.TransactionNo,
			Progress:        progressOf(bounty),
		}

		return s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.BountyEvent, model.EventBountyCharged,
			strconv.FormatInt(bounty.ID, 10), result)
	})
	if err != nil {
		return nil, passthrough("投稿计费", err)
	}

	if result.AlreadyCharged {
		slog.Info("[Bounty] 投稿已计费，跳过", "bounty_id", in.BountyID, "submission_id", in.SubmissionID)
	} else if result.Clipped {
		slog.Warn("[Bounty] 资金池不足，计费被截断",
			"bounty_id", in.BountyID, "submission_id", in.SubmissionID,
			"raw_charge", result.RawCharge, "effective_charge", result.EffectiveCharge)
	} else {
		slog.Info("[Bounty] 投稿计费完成",
			"bounty_id", in.BountyID, "submission_id", in.SubmissionID, "effective_charge", result.EffectiveCharge)
	}
	return result, nil
}
