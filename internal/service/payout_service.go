package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/infrastructure/processor"
	"creatorwallet/internal/model"
	"creatorwallet/internal/repository"
	"creatorwallet/pkg/idgen"
	"creatorwallet/pkg/retry"

	"gorm.io/gorm"
)

// ============================================================================
// 提现编排
// ============================================================================
//
// 状态机：pending -> processing -> completed | failed
//
//  1. 持用户锁，在一个数据库事务里：检查未完结提现、校验可用余额、
//     创建 pending 提现单 + pending 的 payout 流水（预留资金）
//  2. pending -> processing，用提现单号派生的幂等键调用渠道
//  3. 同步成功：回填渠道单号，等待回调；同步失败：提现单与流水一起置为 failed
//  4. 回调到达：processing -> completed/failed，流水同步推进；终态上重复回调直接忽略
//
// 调用方超时不代表渠道失败：请求已经发出后 ctx 被取消，提现单保持 processing，
// 由对账任务用同一个幂等键补发，或者等待回调。
// ============================================================================

// ProcessorResult 渠道对一笔转账的最终结果
type ProcessorResult struct {
	TransferRef string
	PayoutNo    string
	Outcome     processor.Outcome
	Reason      string
}

type PayoutService struct {
	db              *gorm.DB
	cfg             *config.Config
	guard           *Guard
	wallet          *WalletService
	client          processor.Client
	retry           retry.Policy
	payoutRepo      *repository.PayoutRepository
	transactionRepo *repository.TransactionRepository
	walletRepo      *repository.WalletRepository
	outboxRepo      *repository.OutboxRepository
}

func NewPayoutService(db *gorm.DB, guard *Guard, wallet *WalletService, client processor.Client, cfg *config.Config) *PayoutService {
	return &PayoutService{
		db:              db,
		cfg:             cfg,
		guard:           guard,
		wallet:          wallet,
		client:          client,
		retry:           retry.New(cfg.Payout.MaxAttempts, cfg.Payout.InitialBackoff, cfg.Payout.MaxBackoff),
		payoutRepo:      repository.NewPayoutRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		walletRepo:      repository.NewWalletRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// WithSleeper 替换渠道重试的等待实现
func (s *PayoutService) WithSleeper(sleeper retry.Sleeper) *PayoutService {
	s.retry = s.retry.WithSleeper(sleeper)
	return s
}

// RequestPayout 创建并发起一笔提现。
// 渠道拒绝时返回的 payout 为 failed 状态，同时返回错误。
func (s *PayoutService) RequestPayout(ctx context.Context, userID string, amount int64, method string) (*model.Payout, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationf("user_id 不能为空")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %w: 提现金额必须大于0", ErrValidation, ErrInsufficientFunds)
	}
	if !model.IsValidPayoutMethod(method) {
		return nil, validationf("不支持的提现方式: %s", method)
	}

	var payout *model.Payout
	err := s.guard.WithUserLock(ctx, userID, func(ctx context.Context) error {
		var err error
		payout, err = s.reserve(ctx, userID, amount, method)
		if err != nil {
			return err
		}
		payout, err = s.dispatch(ctx, payout)
		return err
	})
	if err != nil {
		return payout, passthrough("提现", err)
	}
	return payout, nil
}

// reserve 创建 pending 提现单并追加 pending 的 payout 流水
func (s *PayoutService) reserve(ctx context.Context, userID string, amount int64, method string) (*model.Payout, error) {
	if _, err := s.walletRepo.GetOrCreate(ctx, nil, userID); err != nil {
		return nil, persistence("获取钱包", err)
	}

	payoutNo := idgen.GeneratePayoutNo()
	idempotencyKey := "payout:" + payoutNo
	var payout *model.Payout

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		inFlight, err := s.payoutRepo.GetInFlight(ctx, tx, userID)
		if err != nil {
			return err
		}
		if inFlight != nil {
			return fmt.Errorf("%w: %s (%s)", ErrConcurrentPayout, inFlight.PayoutNo, inFlight.Status)
		}

		balance, err := s.wallet.balance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if amount > balance.Available {
			return fmt.Errorf("%w: 申请 %d，可用 %d", ErrInsufficientFunds, amount, balance.Available)
		}

		if wallet.PayoutAccount == "" {
			return fmt.Errorf("%w: %w", ErrValidation, ErrNoPayoutAccount)
		}

		payout = &model.Payout{
			PayoutNo:       payoutNo,
			UserID:         userID,
			Amount:         amount,
			Status:         model.PayoutStatusPending,
			PayoutMethod:   &method,
			Destination:    wallet.PayoutAccount,
			TransactionNo:  idgen.GenerateTransactionNo(),
			IdempotencyKey: idempotencyKey,
		}
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			if errors.Is(err, repository.ErrPayoutInFlight) {
				return ErrConcurrentPayout
			}
			return err
		}

		_, created, err := s.transactionRepo.Append(ctx, tx, &model.Transaction{
			TransactionNo:  payout.TransactionNo,
			UserID:         userID,
			Type:           model.TransactionTypePayout,
			Amount:         -amount,
			Status:         model.TransactionStatusPending,
			ReferenceNo:    payoutNo,
			IdempotencyKey: idempotencyKey,
			Metadata:       map[string]string{"payout_method": method},
		})
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: 幂等键 %s 已存在流水", ErrInconsistentLedger, idempotencyKey)
		}

		if err := s.walletRepo.BumpVersion(ctx, tx, userID); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, tx, model.EventPayoutRequested, payout)
	})
	if err != nil {
		return nil, passthrough("预留资金", err)
	}

	slog.Info("[Payout] 资金已预留", "payout_no", payoutNo, "user_id", userID, "amount", amount, "method", method)
	return payout, nil
}

// dispatch 调用渠道转账，pending 的先推进到 processing
func (s *PayoutService) dispatch(ctx context.Context, payout *model.Payout) (*model.Payout, error) {
	if payout.Status == model.PayoutStatusPending {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.payoutRepo.UpdateStatus(ctx, tx, payout.PayoutNo,
				model.PayoutStatusPending, model.PayoutStatusProcessing, nil); err != nil {
				return err
			}
			payout.Status = model.PayoutStatusProcessing
			return s.enqueueEvent(ctx, tx, model.EventPayoutProcessing, payout)
		})
		if err != nil {
			return payout, persistence("更新提现状态", err)
		}
	}
	if payout.Status != model.PayoutStatusProcessing {
		return payout, nil
	}

	method := ""
	if payout.PayoutMethod != nil {
		method = *payout.PayoutMethod
	}
	req := processor.TransferRequest{
		IdempotencyKey: payout.IdempotencyKey,
		PayoutNo:       payout.PayoutNo,
		UserID:         payout.UserID,
		Amount:         payout.Amount,
		Currency:       s.cfg.Payout.Currency,
		Destination:    payout.Destination,
		Method:         method,
	}

	var result processor.TransferResult
	callErr := s.retry.Do(ctx, isTransient, func(ctx context.Context, attempt int) error {
		if err := s.payoutRepo.IncrementAttempts(ctx, nil, payout.PayoutNo); err != nil {
			slog.Warn("[Payout] 记录尝试次数失败", "payout_no", payout.PayoutNo, "err", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Payout.DispatchTimeout)
		defer cancel()

		var err error
		result, err = s.client.CreateTransfer(callCtx, req)
		if err != nil {
			slog.Warn("[Payout] 渠道调用失败",
				"payout_no", payout.PayoutNo, "attempt", attempt, "err", err)
		}
		return err
	})

	if callErr == nil {
		if err := s.recordTransferRef(ctx, payout, result.TransferRef); err != nil {
			// 渠道已受理，回调会按 payout_no 找到提现单，不能因此判失败
			slog.Error("[Payout] 回填渠道单号失败", "payout_no", payout.PayoutNo, "transfer_ref", result.TransferRef, "err", err)
		}
		slog.Info("[Payout] 渠道已受理，等待回调", "payout_no", payout.PayoutNo, "transfer_ref", result.TransferRef)
		return payout, nil
	}

	if ctx.Err() != nil {
		slog.Warn("[Payout] 请求已取消，提现保持 processing 等待回调或对账",
			"payout_no", payout.PayoutNo, "err", callErr)
		return payout, fmt.Errorf("提现 %s 结果未知: %w", payout.PayoutNo, ctx.Err())
	}

	reason := callErr.Error()
	failed, _, err := s.applyResult(ctx, nil, payout, ProcessorResult{
		PayoutNo: payout.PayoutNo,
		Outcome:  processor.OutcomeFailure,
		Reason:   reason,
	})
	if err != nil {
		return payout, err
	}
	return failed, fmt.Errorf("提现 %s 失败: %w", payout.PayoutNo, callErr)
}

func isTransient(err error) bool {
	return errors.Is(err, processor.ErrTransient)
}

func (s *PayoutService) recordTransferRef(ctx context.Context, payout *model.Payout, transferRef string) error {
	if transferRef == "" {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.SetTransferRef(ctx, tx, payout.PayoutNo, transferRef); err != nil {
			return err
		}
		return s.transactionRepo.SetTransferRef(ctx, tx, payout.TransactionNo, transferRef)
	})
	if err != nil {
		return err
	}
	payout.ProcessorTransferRef = &transferRef
	return nil
}

// ApplyProcessorResult 回写渠道结果；终态提现单上重复回写不生效，applied=false
func (s *PayoutService) ApplyProcessorResult(ctx context.Context, result ProcessorResult) (*model.Payout, bool, error) {
	return s.applyWithMark(ctx, result, nil)
}

// applyWithMark mark 在同一个事务里执行，返回 false 表示重复事件，整个回写跳过
func (s *PayoutService) applyWithMark(ctx context.Context, result ProcessorResult, mark func(ctx context.Context, tx *gorm.DB) (bool, error)) (*model.Payout, bool, error) {
	payout, err := s.locate(ctx, result)
	if err != nil {
		return nil, false, err
	}

	var applied bool
	err = s.guard.WithUserLock(ctx, payout.UserID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if mark != nil {
				fresh, err := mark(ctx, tx)
				if err != nil {
					return err
				}
				if !fresh {
					return nil
				}
			}
			current, err := s.payoutRepo.GetByPayoutNo(ctx, tx, payout.PayoutNo)
			if err != nil {
				return err
			}
			payout, applied, err = s.applyResult(ctx, tx, current, result)
			return err
		})
	})
	if err != nil {
		return nil, false, passthrough("回写渠道结果", err)
	}
	return payout, applied, nil
}

func (s *PayoutService) locate(ctx context.Context, result ProcessorResult) (*model.Payout, error) {
	if result.TransferRef != "" {
		payout, err := s.payoutRepo.GetByTransferRef(ctx, nil, result.TransferRef)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, repository.ErrPayoutNotFound) {
			return nil, persistence("查询提现单", err)
		}
	}
	// 回调可能早于渠道单号回填，按元数据里的提现单号兜底
	if result.PayoutNo != "" {
		payout, err := s.payoutRepo.GetByPayoutNo(ctx, nil, result.PayoutNo)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, repository.ErrPayoutNotFound) {
			return nil, persistence("查询提现单", err)
		}
	}
	return nil, fmt.Errorf("%w: transfer_ref=%s payout_no=%s", ErrNotFound, result.TransferRef, result.PayoutNo)
}

// applyResult 提现单与对应流水在同一事务内推进到终态。tx 为空时自行开启事务
func (s *PayoutService) applyResult(ctx context.Context, tx *gorm.DB, payout *model.Payout, result ProcessorResult) (*model.Payout, bool, error) {
	if tx == nil {
		var (
			out     *model.Payout
			applied bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			out, applied, err = s.applyResult(ctx, tx, payout, result)
			return err
		})
		return out, applied, err
	}

	if model.IsTerminalPayoutStatus(payout.Status) {
		if string(result.Outcome) != outcomeOf(payout.Status) {
			slog.Error("[Payout] 终态提现收到相反的渠道结果，需人工对账",
				"payout_no", payout.PayoutNo, "status", payout.Status, "outcome", result.Outcome)
		}
		return payout, false, nil
	}

	if result.TransferRef != "" && payout.ProcessorTransferRef == nil {
		if err := s.payoutRepo.SetTransferRef(ctx, tx, payout.PayoutNo, result.TransferRef); err != nil {
			return nil, false, err
		}
		if err := s.transactionRepo.SetTransferRef(ctx, tx, payout.TransactionNo, result.TransferRef); err != nil {
			return nil, false, err
		}
		ref := result.TransferRef
		payout.ProcessorTransferRef = &ref
	}

	if payout.Status == model.PayoutStatusPending {
		if err := s.payoutRepo.UpdateStatus(ctx, tx, payout.PayoutNo,
			model.PayoutStatusPending, model.PayoutStatusProcessing, nil); err != nil {
			return nil, false, err
		}
		payout.Status = model.PayoutStatusProcessing
	}

	payoutStatus, txStatus, event := model.PayoutStatusCompleted, model.TransactionStatusCompleted, model.EventPayoutCompleted
	extra := map[string]interface{}{}
	if result.Outcome != processor.OutcomeSuccess {
		payoutStatus, txStatus, event = model.PayoutStatusFailed, model.TransactionStatusFailed, model.EventPayoutFailed
		extra["failure_reason"] = truncate(result.Reason, 256)
		payout.FailureReason = truncate(result.Reason, 256)
	}

	if err := s.payoutRepo.UpdateStatus(ctx, tx, payout.PayoutNo, model.PayoutStatusProcessing, payoutStatus, extra); err != nil {
		if errors.Is(err, repository.ErrPayoutStatusInvalid) {
			// 已被并发的回写推进到终态
			return payout, false, nil
		}
		return nil, false, err
	}
	if err := s.transactionRepo.UpdateStatus(ctx, tx, payout.TransactionNo, model.TransactionStatusPending, txStatus); err != nil {
		if errors.Is(err, repository.ErrTransactionStatusInvalid) {
			slog.Error("[Payout] 提现流水状态与提现单不一致，需人工对账",
				"payout_no", payout.PayoutNo, "transaction_no", payout.TransactionNo)
			return nil, false, fmt.Errorf("%w: 流水 %s 不是 pending", ErrInconsistentLedger, payout.TransactionNo)
		}
		return nil, false, err
	}
	payout.Status = payoutStatus
	payout.InFlightKey = nil

	if err := s.enqueueEvent(ctx, tx, event, payout); err != nil {
		return nil, false, err
	}

	slog.Info("[Payout] 提现已结算", "payout_no", payout.PayoutNo, "status", payoutStatus, "reason", result.Reason)
	return payout, true, nil
}

func outcomeOf(status string) string {
	if status == model.PayoutStatusCompleted {
		return string(processor.OutcomeSuccess)
	}
	return string(processor.OutcomeFailure)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (s *PayoutService) GetPayout(ctx context.Context, userID, payoutNo string) (*model.Payout, error) {
	payout, err := s.payoutRepo.GetByPayoutNo(ctx, nil, payoutNo)
	if err != nil {
		if errors.Is(err, repository.ErrPayoutNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("查询提现单", err)
	}
	if payout.UserID != userID {
		return nil, ErrNotFound
	}
	return payout, nil
}

// ListPayouts 倒序分页，limit/offset 会被截断到合法范围
func (s *PayoutService) ListPayouts(ctx context.Context, userID string, limit, offset int) ([]*model.Payout, int64, error) {
	limit, offset = ClampPage(limit, offset)
	payouts, total, err := s.payoutRepo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, persistence("查询提现列表", err)
	}
	return payouts, total, nil
}

// Redispatch 对账任务调用：对停留在 pending 或没有渠道单号的 processing 提现，用原幂等键重新发起
func (s *PayoutService) Redispatch(ctx context.Context, payoutNo string) (*model.Payout, error) {
	payout, err := s.payoutRepo.GetByPayoutNo(ctx, nil, payoutNo)
	if err != nil {
		if errors.Is(err, repository.ErrPayoutNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistence("查询提现单", err)
	}

	err = s.guard.WithUserLock(ctx, payout.UserID, func(ctx context.Context) error {
		current, err := s.payoutRepo.GetByPayoutNo(ctx, nil, payoutNo)
		if err != nil {
			return err
		}
		if model.IsTerminalPayoutStatus(current.Status) || current.ProcessorTransferRef != nil {
			payout = current
			return nil
		}
		payout, err = s.dispatch(ctx, current)
		return err
	})
	if err != nil {
		return payout, passthrough("重新发起提现", err)
	}
	return payout, nil
}

// StalePayouts 在 status 停留超过 age 的提现单
func (s *PayoutService) StalePayouts(ctx context.Context, status string, age time.Duration, limit int) ([]*model.Payout, error) {
	payouts, err := s.payoutRepo.ListStale(ctx, status, time.Now().Add(-age), limit)
	if err != nil {
		return nil, persistence("查询滞留提现", err)
	}
	return payouts, nil
}

func (s *PayoutService) enqueueEvent(ctx context.Context, tx *gorm.DB, eventType string, payout *model.Payout) error {
	return s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.PayoutEvent, eventType, payout.PayoutNo,
		map[string]interface{}{
			"event_type":     eventType,
			"payout_no":      payout.PayoutNo,
			"user_id":        payout.UserID,
			"amount":         payout.Amount,
			"status":         payout.Status,
			"transfer_ref":   payout.ProcessorTransferRef,
			"failure_reason": payout.FailureReason,
			"occurred_at":    time.Now().UTC().Format(time.RFC3339),
		})
}
