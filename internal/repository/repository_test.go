package repository_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/infrastructure/database"
	"creatorwallet/internal/model"
	"creatorwallet/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(&config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		SQLitePath:   fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newPayout(no, userID string, amount int64) *model.Payout {
	method := model.PayoutMethodStripe
	return &model.Payout{
		PayoutNo:       no,
		UserID:         userID,
		Amount:         amount,
		Status:         model.PayoutStatusPending,
		PayoutMethod:   &method,
		Destination:    "acct_" + userID,
		TransactionNo:  "TXN" + no,
		IdempotencyKey: "payout:" + no,
	}
}

func TestPayoutRepository_SingleInFlightPerUser(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPayoutRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newPayout("PO1", "u1", 100)))
	assert.ErrorIs(t, repo.Create(ctx, nil, newPayout("PO2", "u1", 100)), repository.ErrPayoutInFlight)
	require.NoError(t, repo.Create(ctx, nil, newPayout("PO3", "u2", 100)))

	inFlight, err := repo.GetInFlight(ctx, nil, "u1")
	require.NoError(t, err)
	require.NotNil(t, inFlight)
	assert.Equal(t, "PO1", inFlight.PayoutNo)

	require.NoError(t, repo.UpdateStatus(ctx, nil, "PO1", model.PayoutStatusPending, model.PayoutStatusFailed,
		map[string]interface{}{"failure_reason": "rejected"}))

	inFlight, err = repo.GetInFlight(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Nil(t, inFlight)

	// 终态释放了 in_flight_key，可以再建一笔
	require.NoError(t, repo.Create(ctx, nil, newPayout("PO4", "u1", 50)))
}

func TestPayoutRepository_GuardedTransitions(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPayoutRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, nil, newPayout("PO1", "u1", 100)))

	// 状态机不允许的迁移
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "PO1", model.PayoutStatusPending, model.PayoutStatusCompleted, nil),
		repository.ErrPayoutStatusInvalid)
	// 前置状态不匹配
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "PO1", model.PayoutStatusProcessing, model.PayoutStatusCompleted, nil),
		repository.ErrPayoutStatusInvalid)

	require.NoError(t, repo.UpdateStatus(ctx, nil, "PO1", model.PayoutStatusPending, model.PayoutStatusProcessing, nil))
	require.NoError(t, repo.UpdateStatus(ctx, nil, "PO1", model.PayoutStatusProcessing, model.PayoutStatusCompleted, nil))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "PO1", model.PayoutStatusCompleted, model.PayoutStatusFailed, nil),
		repository.ErrPayoutStatusInvalid)

	p, err := repo.GetByPayoutNo(ctx, nil, "PO1")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCompleted, p.Status)
	assert.Nil(t, p.InFlightKey)

	_, err = repo.GetByPayoutNo(ctx, nil, "missing")
	assert.ErrorIs(t, err, repository.ErrPayoutNotFound)
}

func TestPayoutRepository_TransferRefSetOnce(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPayoutRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, nil, newPayout("PO1", "u1", 100)))

	require.NoError(t, repo.SetTransferRef(ctx, nil, "PO1", "tr_1"))
	require.NoError(t, repo.SetTransferRef(ctx, nil, "PO1", "tr_2"))

	p, err := repo.GetByTransferRef(ctx, nil, "tr_1")
	require.NoError(t, err)
	assert.Equal(t, "PO1", p.PayoutNo)
}

func TestPayoutRepository_ListStale(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPayoutRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, nil, newPayout("PO1", "u1", 100)))
	require.NoError(t, repo.Create(ctx, nil, newPayout("PO2", "u2", 100)))
	require.NoError(t, db.Model(&model.Payout{}).Where("payout_no = ?", "PO1").
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	stale, err := repo.ListStale(ctx, model.PayoutStatusPending, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "PO1", stale[0].PayoutNo)
}

func TestTransactionRepository_AppendIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	first, created, err := repo.Append(ctx, nil, &model.Transaction{
		UserID: "u1", Type: model.TransactionTypeDeposit, Amount: 100,
		Status: model.TransactionStatusCompleted, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.TransactionNo)

	second, created, err := repo.Append(ctx, nil, &model.Transaction{
		UserID: "u1", Type: model.TransactionTypeDeposit, Amount: 100,
		Status: model.TransactionStatusCompleted, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TransactionNo, second.TransactionNo)

	var count int64
	require.NoError(t, db.Model(&model.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestTransactionRepository_StatusNeverReverts(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	trans, _, err := repo.Append(ctx, nil, &model.Transaction{
		UserID: "u1", Type: model.TransactionTypePayout, Amount: -100,
		Status: model.TransactionStatusPending, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, nil, trans.TransactionNo, model.TransactionStatusPending, model.TransactionStatusFailed))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, trans.TransactionNo, model.TransactionStatusFailed, model.TransactionStatusCompleted),
		repository.ErrTransactionStatusInvalid)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, trans.TransactionNo, model.TransactionStatusPending, model.TransactionStatusCompleted),
		repository.ErrTransactionStatusInvalid)
}

func TestTransactionRepository_SnapshotBalance(t *testing.T) {
	db := newTestDB(t)
	txRepo := repository.NewTransactionRepository(db)
	payoutRepo := repository.NewPayoutRepository(db)
	ctx := context.Background()

	for i, amt := range []int64{5000, 700} {
		_, _, err := txRepo.Append(ctx, nil, &model.Transaction{
			UserID: "u1", Type: model.TransactionTypeDeposit, Amount: amt,
			Status: model.TransactionStatusCompleted, IdempotencyKey: fmt.Sprintf("dep-%d", i),
		})
		require.NoError(t, err)
	}
	require.NoError(t, payoutRepo.Create(ctx, nil, newPayout("PO1", "u1", 3000)))
	_, _, err := txRepo.Append(ctx, nil, &model.Transaction{
		TransactionNo: "TXNPO1", UserID: "u1", Type: model.TransactionTypePayout, Amount: -3000,
		Status: model.TransactionStatusPending, ReferenceNo: "PO1", IdempotencyKey: "payout:PO1",
	})
	require.NoError(t, err)

	snap, err := txRepo.SnapshotBalance(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5700), snap.Completed)
	assert.Equal(t, int64(3000), snap.Reserved)

	empty, err := txRepo.SnapshotBalance(ctx, nil, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Completed)
	assert.Zero(t, empty.Reserved)
}

func TestWalletRepository_GetOrCreate(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewWalletRepository(db)
	ctx := context.Background()

	w1, err := repo.GetOrCreate(ctx, nil, "u1")
	require.NoError(t, err)
	w2, err := repo.GetOrCreate(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	require.NoError(t, repo.SetPayoutAccount(ctx, "u1", "acct_1"))
	require.NoError(t, repo.BumpVersion(ctx, nil, "u1"))

	w, err := repo.GetByUserIDForUpdate(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", w.PayoutAccount)
	assert.Equal(t, w1.Version+1, w.Version)

	_, err = repo.GetByUserID(ctx, nil, "missing")
	assert.ErrorIs(t, err, repository.ErrWalletNotFound)
}

func TestBountyRepository_AddClaimedNeverExceedsTotal(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewBountyRepository(db)
	ctx := context.Background()

	b := &model.Bounty{Name: "b", TotalBounty: 1000, RatePer1kViews: 100}
	require.NoError(t, repo.Create(ctx, b))

	require.NoError(t, repo.AddClaimed(ctx, nil, b.ID, 600, false))
	assert.Error(t, repo.AddClaimed(ctx, nil, b.ID, 600, true))
	require.NoError(t, repo.AddClaimed(ctx, nil, b.ID, 400, true))

	got, err := repo.GetByID(ctx, nil, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.ClaimedBounty)
	assert.True(t, got.IsCompleted)

	charge := &model.BountyCharge{BountyID: b.ID, SubmissionID: "s1", CreatorID: "c1", ViewCount: 10}
	require.NoError(t, repo.CreateCharge(ctx, nil, charge))
	assert.ErrorIs(t, repo.CreateCharge(ctx, nil, &model.BountyCharge{BountyID: b.ID, SubmissionID: "s1", CreatorID: "c2"}),
		repository.ErrBountyChargeExists)

	_, err = repo.GetCharge(ctx, nil, b.ID, "s2")
	assert.ErrorIs(t, err, repository.ErrBountyChargeNotFound)
}
