package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creatorwallet/internal/infrastructure/processor"
	"creatorwallet/internal/model"
	"creatorwallet/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPayout_ReservesThenSettles(t *testing.T) {
	// GIVEN: 可用余额 5000
	// WHEN: 提现 3000，随后渠道回调成功
	// THEN: processing 期间可用余额为 2000；完成后仍为 2000
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodStripe)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, payout.Status)
	require.NotNil(t, payout.ProcessorTransferRef)
	assert.Equal(t, "tr_"+payout.PayoutNo, *payout.ProcessorTransferRef)
	assert.Equal(t, "acct_creator-1", payout.Destination)

	reqs := env.proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "payout:"+payout.PayoutNo, reqs[0].IdempotencyKey)
	assert.Equal(t, int64(3000), reqs[0].Amount)

	balance, err := env.wallet.GetBalance(ctx, "creator-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance.Completed)
	assert.Equal(t, int64(3000), balance.Reserved)
	assert.Equal(t, int64(2000), balance.Available)

	settled, applied, err := env.payouts.ApplyProcessorResult(ctx, service.ProcessorResult{
		TransferRef: *payout.ProcessorTransferRef,
		Outcome:     processor.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.PayoutStatusCompleted, settled.Status)

	balance, err = env.wallet.GetBalance(ctx, "creator-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.Completed)
	assert.Equal(t, int64(0), balance.Reserved)
	assert.Equal(t, int64(2000), balance.Available)

	trans, _, err := env.ledger.ListForUser(ctx, "creator-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, trans, 2)
	for _, tr := range trans {
		if tr.Type == model.TransactionTypePayout {
			assert.Equal(t, model.TransactionStatusCompleted, tr.Status)
			assert.Equal(t, int64(-3000), tr.Amount)
			assert.Equal(t, payout.PayoutNo, tr.ReferenceNo)
		}
	}
}

func TestRequestPayout_ConcurrentPayoutRejected(t *testing.T) {
	// GIVEN: 一笔 3000 的提现仍在 processing
	// WHEN: 再次申请 3000
	// THEN: ConcurrentPayout，而不是余额不足
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	_, err := env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodStripe)
	require.NoError(t, err)

	_, err = env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodStripe)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrConcurrentPayout)
	assert.Len(t, env.proc.Requests(), 1)
}

func TestRequestPayout_ParallelRequestsSingleInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 10000)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.payouts.RequestPayout(ctx, "creator-1", 1000, model.PayoutMethodStripe)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, service.ErrConcurrentPayout)
	}
	assert.Equal(t, 1, succeeded)

	var inFlight int64
	require.NoError(t, env.db.Model(&model.Payout{}).
		Where("user_id = ? AND status IN ?", "creator-1",
			[]string{model.PayoutStatusPending, model.PayoutStatusProcessing}).
		Count(&inFlight).Error)
	assert.Equal(t, int64(1), inFlight)
	assert.Equal(t, int64(9000), env.available(t, "creator-1"))
}

func TestRequestPayout_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	_, err := env.payouts.RequestPayout(ctx, "creator-1", 6000, model.PayoutMethodStripe)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrInsufficientFunds)

	var payouts, payoutTx int64
	require.NoError(t, env.db.Model(&model.Payout{}).Count(&payouts).Error)
	require.NoError(t, env.db.Model(&model.Transaction{}).
		Where("type = ?", model.TransactionTypePayout).Count(&payoutTx).Error)
	assert.Zero(t, payouts)
	assert.Zero(t, payoutTx)
	assert.Equal(t, int64(5000), env.available(t, "creator-1"))
	assert.Empty(t, env.proc.Requests())
}

func TestRequestPayout_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	_, err := env.payouts.RequestPayout(ctx, "creator-1", 0, model.PayoutMethodStripe)
	assert.ErrorIs(t, err, service.ErrValidation)
	assert.ErrorIs(t, err, service.ErrInsufficientFunds)

	_, err = env.payouts.RequestPayout(ctx, "creator-1", -10, model.PayoutMethodStripe)
	assert.ErrorIs(t, err, service.ErrInsufficientFunds)

	_, err = env.payouts.RequestPayout(ctx, "creator-1", 100, "paypal")
	assert.ErrorIs(t, err, service.ErrValidation)
	assert.NotErrorIs(t, err, service.ErrInsufficientFunds)
}

func TestRequestPayout_RequiresPayoutAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.Deposit(ctx, "creator-2", 5000, "pi_1")
	require.NoError(t, err)

	_, err = env.payouts.RequestPayout(ctx, "creator-2", 1000, model.PayoutMethodStripe)
	assert.ErrorIs(t, err, service.ErrNoPayoutAccount)
	assert.ErrorIs(t, err, service.ErrValidation)
	assert.Equal(t, int64(5000), env.available(t, "creator-2"))
}

func TestRequestPayout_PermanentFailureReleasesFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)
	env.proc.FailNext(processor.Permanent(errors.New("destination account closed")))

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodBank)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrProcessorPermanent)
	require.NotNil(t, payout)
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)
	assert.Contains(t, payout.FailureReason, "destination account closed")

	// 永久错误不重试
	assert.Len(t, env.proc.Requests(), 1)
	assert.Empty(t, env.sleeper.Delays())
	assert.Equal(t, int64(5000), env.available(t, "creator-1"))

	stored, err := env.payouts.GetPayout(ctx, "creator-1", payout.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, stored.Status)
	assert.Nil(t, stored.InFlightKey)

	// 失败后可以重新申请
	_, err = env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodBank)
	require.NoError(t, err)
}

func TestRequestPayout_TransientErrorsRetriedWithSameKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)
	env.proc.FailNext(
		processor.Transient(errors.New("connection reset")),
		processor.Transient(errors.New("503 service unavailable")),
	)

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 1000, model.PayoutMethodStripe)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, payout.Status)

	reqs := env.proc.Requests()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, "payout:"+payout.PayoutNo, r.IdempotencyKey)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, env.sleeper.Delays())

	stored, err := env.payouts.GetPayout(ctx, "creator-1", payout.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempts)
}

func TestRequestPayout_TransientExhaustionFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)
	for i := 0; i < env.cfg.Payout.MaxAttempts; i++ {
		env.proc.FailNext(processor.Transient(errors.New("timeout")))
	}

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 1000, model.PayoutMethodStripe)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrProcessorTransient)
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)
	assert.Len(t, env.proc.Requests(), env.cfg.Payout.MaxAttempts)
	assert.Equal(t, int64(5000), env.available(t, "creator-1"))
}

func TestRequestPayout_CancelledAfterDispatchStaysProcessing(t *testing.T) {
	// 调用方超时不代表渠道失败，资金保持预留
	env := newTestEnv(t)
	env.fund(t, "creator-1", 5000)

	ctx, cancel := context.WithCancel(context.Background())
	env.payouts.WithSleeper(sleeperFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	env.proc.FailNext(processor.Transient(errors.New("timeout")))

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 2000, model.PayoutMethodStripe)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, payout)
	assert.Equal(t, model.PayoutStatusProcessing, payout.Status)

	stored, err := env.payouts.GetPayout(context.Background(), "creator-1", payout.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, stored.Status)
	assert.Equal(t, int64(3000), env.available(t, "creator-1"))
}

type sleeperFunc func(ctx context.Context, d time.Duration) error

func (f sleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

func TestApplyProcessorResult_TerminalIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodStripe)
	require.NoError(t, err)
	result := service.ProcessorResult{TransferRef: *payout.ProcessorTransferRef, Outcome: processor.OutcomeSuccess}

	_, applied, err := env.payouts.ApplyProcessorResult(ctx, result)
	require.NoError(t, err)
	assert.True(t, applied)

	again, applied, err := env.payouts.ApplyProcessorResult(ctx, result)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.PayoutStatusCompleted, again.Status)

	// 终态上收到相反结果同样忽略
	_, applied, err = env.payouts.ApplyProcessorResult(ctx, service.ProcessorResult{
		TransferRef: *payout.ProcessorTransferRef, Outcome: processor.OutcomeFailure, Reason: "late",
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(2000), env.available(t, "creator-1"))
}

func TestApplyProcessorResult_FailureRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 3000, model.PayoutMethodStripe)
	require.NoError(t, err)

	failed, applied, err := env.payouts.ApplyProcessorResult(ctx, service.ProcessorResult{
		TransferRef: *payout.ProcessorTransferRef,
		Outcome:     processor.OutcomeFailure,
		Reason:      "account_closed",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.PayoutStatusFailed, failed.Status)
	assert.Equal(t, "account_closed", failed.FailureReason)
	assert.Equal(t, int64(5000), env.available(t, "creator-1"))
}

func TestApplyProcessorResult_FallsBackToPayoutNo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)
	env.proc.noRef = true

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 1000, model.PayoutMethodStripe)
	require.NoError(t, err)
	assert.Nil(t, payout.ProcessorTransferRef)

	settled, applied, err := env.payouts.ApplyProcessorResult(ctx, service.ProcessorResult{
		TransferRef: "tr_late",
		PayoutNo:    payout.PayoutNo,
		Outcome:     processor.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.PayoutStatusCompleted, settled.Status)
	require.NotNil(t, settled.ProcessorTransferRef)
	assert.Equal(t, "tr_late", *settled.ProcessorTransferRef)
}

func TestApplyProcessorResult_UnknownTransfer(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.payouts.ApplyProcessorResult(context.Background(), service.ProcessorResult{
		TransferRef: "tr_missing",
		Outcome:     processor.OutcomeSuccess,
	})
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestListPayouts_ClampsPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)

	for i := 0; i < 3; i++ {
		p, err := env.payouts.RequestPayout(ctx, "creator-1", 100, model.PayoutMethodStripe)
		require.NoError(t, err)
		_, _, err = env.payouts.ApplyProcessorResult(ctx, service.ProcessorResult{
			TransferRef: *p.ProcessorTransferRef, Outcome: processor.OutcomeSuccess,
		})
		require.NoError(t, err)
	}

	payouts, total, err := env.payouts.ListPayouts(ctx, "creator-1", 0, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, payouts, 1)

	payouts, _, err = env.payouts.ListPayouts(ctx, "creator-1", 500, 0)
	require.NoError(t, err)
	assert.Len(t, payouts, 3)

	_, err = env.payouts.GetPayout(ctx, "someone-else", payouts[0].PayoutNo)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestRedispatch_ReusesIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "creator-1", 5000)
	env.proc.noRef = true

	payout, err := env.payouts.RequestPayout(ctx, "creator-1", 1000, model.PayoutMethodStripe)
	require.NoError(t, err)

	env.proc.noRef = false
	again, err := env.payouts.Redispatch(ctx, payout.PayoutNo)
	require.NoError(t, err)
	require.NotNil(t, again.ProcessorTransferRef)

	reqs := env.proc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)

	// 已有渠道单号的提现不再重复发起
	_, err = env.payouts.Redispatch(ctx, payout.PayoutNo)
	require.NoError(t, err)
	assert.Len(t, env.proc.Requests(), 2)
}
