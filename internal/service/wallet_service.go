package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"creatorwallet/internal/model"
	"creatorwallet/internal/repository"

	"gorm.io/gorm"
)

// Balance 可用余额 = completed 流水合计 - 未完结提现占用
type Balance struct {
	UserID    string `json:"user_id"`
	Completed int64  `json:"completed"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

type WalletService struct {
	db              *gorm.DB
	walletRepo      *repository.WalletRepository
	transactionRepo *repository.TransactionRepository
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{
		db:              db,
		walletRepo:      repository.NewWalletRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

func (s *WalletService) AvailableBalance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balance.Available, nil
}

func (s *WalletService) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return s.balance(ctx, nil, userID)
}

// balance 负数说明账本有 bug，按一致性错误上报而不是截断成 0
func (s *WalletService) balance(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	snap, err := s.transactionRepo.SnapshotBalance(ctx, tx, userID)
	if err != nil {
		return nil, persistence("查询余额", err)
	}

	b := &Balance{
		UserID:    userID,
		Completed: snap.Completed,
		Reserved:  snap.Reserved,
		Available: snap.Completed - snap.Reserved,
	}
	if b.Available < 0 {
		slog.Error("[Wallet] 可用余额为负，需人工对账",
			"user_id", userID, "completed", b.Completed, "reserved", b.Reserved)
		return nil, fmt.Errorf("%w: user=%s available=%d", ErrInconsistentLedger, userID, b.Available)
	}
	return b, nil
}

func (s *WalletService) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	wallet, err := s.walletRepo.GetOrCreate(ctx, nil, userID)
	if err != nil {
		return nil, persistence("获取钱包", err)
	}
	return wallet, nil
}

// BindPayoutAccount 绑定支付渠道侧的收款账户
func (s *WalletService) BindPayoutAccount(ctx context.Context, userID, account string) (*model.Wallet, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, validationf("收款账户不能为空")
	}
	if _, err := s.walletRepo.GetOrCreate(ctx, nil, userID); err != nil {
		return nil, persistence("获取钱包", err)
	}
	if err := s.walletRepo.SetPayoutAccount(ctx, userID, account); err != nil {
		return nil, persistence("绑定收款账户", err)
	}
	wallet, err := s.walletRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("获取钱包", err)
	}
	return wallet, nil
}
