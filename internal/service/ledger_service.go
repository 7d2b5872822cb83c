package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/model"
	"creatorwallet/internal/repository"
	"creatorwallet/pkg/retry"

	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// ClampPage limit 截断到 [1,100]，offset 不小于 0
func ClampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// AppendRequest 流水草稿。IdempotencyKey 必填：存储失败后用同一个 key 重试，不要重新生成草稿
type AppendRequest struct {
	UserID           string
	Type             string
	Amount           int64
	Status           string
	ReferenceNo      string
	IdempotencyKey   string
	PaymentIntentRef *string
	TransferRef      *string
	Metadata         map[string]string
}

func (r *AppendRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return validationf("user_id 不能为空")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return validationf("idempotency_key 不能为空")
	}
	if !model.IsValidTransactionType(r.Type) {
		return validationf("未知的流水类型: %s", r.Type)
	}
	if r.Amount == 0 {
		return validationf("流水金额不能为 0")
	}
	if model.IsCreditType(r.Type) != (r.Amount > 0) {
		return validationf("流水类型 %s 与金额符号不匹配: %d", r.Type, r.Amount)
	}
	if r.Status != model.TransactionStatusPending && r.Status != model.TransactionStatusCompleted {
		return validationf("新流水只能是 pending 或 completed")
	}
	return nil
}

type LedgerService struct {
	db              *gorm.DB
	cfg             *config.Config
	guard           *Guard
	wallet          *WalletService
	transactionRepo *repository.TransactionRepository
	walletRepo      *repository.WalletRepository
	outboxRepo      *repository.OutboxRepository
	readRetry       retry.Policy
}

func NewLedgerService(db *gorm.DB, guard *Guard, wallet *WalletService, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:              db,
		cfg:             cfg,
		guard:           guard,
		wallet:          wallet,
		transactionRepo: repository.NewTransactionRepository(db),
		walletRepo:      repository.NewWalletRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		readRetry:       retry.New(3, 50*time.Millisecond, 500*time.Millisecond),
	}
}

// Append 原子写入一条流水，返回落库后的记录
func (s *LedgerService) Append(ctx context.Context, req AppendRequest) (*model.Transaction, error) {
	return s.append(ctx, nil, req)
}

func (s *LedgerService) append(ctx context.Context, tx *gorm.DB, req AppendRequest) (*model.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	trans := &model.Transaction{
		UserID:                    req.UserID,
		Type:                      req.Type,
		Amount:                    req.Amount,
		Status:                    req.Status,
		ReferenceNo:               req.ReferenceNo,
		IdempotencyKey:            req.IdempotencyKey,
		ProcessorPaymentIntentRef: req.PaymentIntentRef,
		ProcessorTransferRef:      req.TransferRef,
		Metadata:                  req.Metadata,
	}
	stored, created, err := s.transactionRepo.Append(ctx, tx, trans)
	if err != nil {
		return nil, persistence("写入流水", err)
	}
	if !created && (stored.Type != req.Type || stored.Amount != req.Amount || stored.UserID != req.UserID) {
		// 同一个幂等键对应了不同的草稿
		return nil, validationf("idempotency_key %s 已被其他流水使用", req.IdempotencyKey)
	}
	return stored, nil
}

// ListForUser 倒序分页
func (s *LedgerService) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*model.Transaction, int64, error) {
	limit, offset = ClampPage(limit, offset)
	items, total, err := s.transactionRepo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, persistence("查询流水", err)
	}
	return items, total, nil
}

// SumCompleted 幂等读，存储抖动时本地退避重试
func (s *LedgerService) SumCompleted(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.readRetry.Do(ctx, func(error) bool { return ctx.Err() == nil }, func(ctx context.Context, _ int) error {
		var err error
		sum, err = s.transactionRepo.SumCompleted(ctx, nil, userID)
		return err
	})
	if err != nil {
		return 0, persistence("汇总流水", err)
	}
	return sum, nil
}

// Deposit 充值入账，paymentIntentRef 作为幂等键
func (s *LedgerService) Deposit(ctx context.Context, userID string, amount int64, paymentIntentRef string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, validationf("充值金额必须大于0")
	}
	if strings.TrimSpace(paymentIntentRef) == "" {
		return nil, validationf("payment_intent_ref 不能为空")
	}
	if _, err := s.walletRepo.GetOrCreate(ctx, nil, userID); err != nil {
		return nil, persistence("获取钱包", err)
	}

	ref := paymentIntentRef
	var trans *model.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trans, err = s.append(ctx, tx, AppendRequest{
			UserID:           userID,
			Type:             model.TransactionTypeDeposit,
			Amount:           amount,
			Status:           model.TransactionStatusCompleted,
			ReferenceNo:      paymentIntentRef,
			IdempotencyKey:   "deposit:" + paymentIntentRef,
			PaymentIntentRef: &ref,
		})
		return err
	})
	if err != nil {
		return nil, passthrough("充值", err)
	}
	slog.Info("[Ledger] 充值入账", "user_id", userID, "amount", amount, "transaction_no", trans.TransactionNo)
	return trans, nil
}

// Refund 冲正一条 completed 的入账流水（completed -> refunded），冲正后不再计入余额，
// 不能让可用余额变成负数。悬赏计费被冲正时悬赏的 claimed_bounty 不回退，
// 资金池额度视为已消耗。
func (s *LedgerService) Refund(ctx context.Context, transactionNo, reason string) (*model.Transaction, error) {
	trans, err := s.transactionRepo.GetByTransactionNo(ctx, nil, transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("查询流水", err)
	}
	if trans.Status == model.TransactionStatusRefunded {
		return trans, nil
	}
	if trans.Status != model.TransactionStatusCompleted {
		return nil, validationf("流水状态不允许冲正，当前状态: %s", trans.Status)
	}
	// 出账流水（提现）的资金已经离开平台，冲正会把钱重新算回余额
	if !model.IsCreditType(trans.Type) {
		return nil, validationf("只能冲正入账流水，当前类型: %s", trans.Type)
	}

	err = s.guard.WithUserLock(ctx, trans.UserID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.walletRepo.GetOrCreate(ctx, tx, trans.UserID); err != nil {
				return err
			}
			if _, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, trans.UserID); err != nil {
				return err
			}
			current, err := s.transactionRepo.GetByTransactionNo(ctx, tx, transactionNo)
			if err != nil {
				return err
			}
			if current.Status == model.TransactionStatusRefunded {
				trans = current
				return nil
			}

			balance, err := s.wallet.balance(ctx, tx, current.UserID)
			if err != nil {
				return err
			}
			if balance.Available-current.Amount < 0 {
				return fmt.Errorf("%w: 冲正后可用余额为 %d", ErrInsufficientFunds, balance.Available-current.Amount)
			}

			if err := s.transactionRepo.UpdateStatus(ctx, tx, transactionNo,
				model.TransactionStatusCompleted, model.TransactionStatusRefunded); err != nil {
				return err
			}
			current.Status = model.TransactionStatusRefunded
			trans = current

			return s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.PayoutEvent, model.EventLedgerRefunded, transactionNo,
				map[string]interface{}{
					"transaction_no": transactionNo,
					"user_id":        current.UserID,
					"type":           current.Type,
					"amount":         current.Amount,
					"reason":         reason,
				})
		})
	})
	if err != nil {
		return nil, passthrough("冲正", err)
	}

	slog.Info("[Ledger] 流水已冲正", "transaction_no", transactionNo, "user_id", trans.UserID, "reason", reason)
	return trans, nil
}
