package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/infrastructure/database"
	"creatorwallet/internal/infrastructure/processor"
	"creatorwallet/internal/service"
	"creatorwallet/pkg/retry"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:       config.DriverSQLite,
			SQLitePath:   fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				PayoutEvent:        "payout-event",
				BountyEvent:        "bounty-event",
				SubmissionApproved: "submission-approved",
			},
		},
		Business: config.BusinessConfig{MaxRetryCount: 3},
		Payout: config.PayoutConfig{
			Currency:        "usd",
			MaxAttempts:     3,
			InitialBackoff:  100 * time.Millisecond,
			MaxBackoff:      time.Second,
			LockTTL:         10 * time.Second,
			LockWait:        2 * time.Second,
			StuckAfter:      time.Minute,
			ReconcileBatch:  10,
			DispatchTimeout: time.Second,
		},
		Auth: config.AuthConfig{
			RoleMaxAttempts:  3,
			RoleInitialDelay: 10 * time.Millisecond,
			RoleMaxDelay:     100 * time.Millisecond,
		},
		Webhook: config.WebhookConfig{EventRetention: time.Hour},
		Recommendation: config.RecommendationConfig{
			CacheTTL: time.Hour,
		},
	}
}

func newTestDB(t *testing.T, cfg *config.Config) *gorm.DB {
	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// recordingSleeper 只记录等待时长，不真正等待
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

var _ retry.Sleeper = (*recordingSleeper)(nil)

// fakeProcessor 按顺序返回预设错误，之后一律受理
type fakeProcessor struct {
	mu       sync.Mutex
	requests []processor.TransferRequest
	errs     []error
	noRef    bool
}

func (p *fakeProcessor) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, errs...)
}

func (p *fakeProcessor) Requests() []processor.TransferRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]processor.TransferRequest(nil), p.requests...)
}

func (p *fakeProcessor) CreateTransfer(ctx context.Context, req processor.TransferRequest) (processor.TransferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return processor.TransferResult{}, err
	}
	if p.noRef {
		return processor.TransferResult{}, nil
	}
	return processor.TransferResult{TransferRef: "tr_" + req.PayoutNo}, nil
}

const validSignature = "t=1,v1=ok"

type fakeWebhook struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	TransferRef string `json:"transfer_ref"`
	PayoutNo    string `json:"payout_no"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason"`
}

func (p *fakeProcessor) ParseWebhook(payload []byte, signature string) (processor.WebhookEvent, error) {
	if signature != validSignature {
		return processor.WebhookEvent{}, processor.ErrInvalidSignature
	}
	var w fakeWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return processor.WebhookEvent{}, err
	}
	return processor.WebhookEvent{
		EventID:     w.ID,
		EventType:   w.Type,
		TransferRef: w.TransferRef,
		PayoutNo:    w.PayoutNo,
		Outcome:     processor.Outcome(w.Outcome),
		Reason:      w.Reason,
		Relevant:    w.Outcome != "",
	}, nil
}

func webhookPayload(t *testing.T, w fakeWebhook) []byte {
	data, err := json.Marshal(w)
	require.NoError(t, err)
	return data
}

type testEnv struct {
	cfg      *config.Config
	db       *gorm.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	proc     *fakeProcessor
	sleeper  *recordingSleeper
	guard    *service.Guard
	wallet   *service.WalletService
	ledger   *service.LedgerService
	payouts  *service.PayoutService
	bounties *service.BountyService
	webhooks *service.WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	cfg := testConfig(t)
	db := newTestDB(t, cfg)
	mr, rdb := newTestRedis(t)

	env := &testEnv{
		cfg:     cfg,
		db:      db,
		mr:      mr,
		rdb:     rdb,
		proc:    &fakeProcessor{},
		sleeper: &recordingSleeper{},
	}
	env.guard = service.NewGuard(db, rdb, cfg)
	env.wallet = service.NewWalletService(db)
	env.ledger = service.NewLedgerService(db, env.guard, env.wallet, cfg)
	env.payouts = service.NewPayoutService(db, env.guard, env.wallet, env.proc, cfg).WithSleeper(env.sleeper)
	env.bounties = service.NewBountyService(db, env.ledger, cfg)
	env.webhooks = service.NewWebhookService(env.proc, env.guard, env.payouts)
	return env
}

// fund 入账并绑定收款账户
func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	ctx := context.Background()
	_, err := e.ledger.Deposit(ctx, userID, amount, "pi_"+userID+"_"+fmt.Sprint(amount))
	require.NoError(t, err)
	_, err = e.wallet.BindPayoutAccount(ctx, userID, "acct_"+userID)
	require.NoError(t, err)
}

func (e *testEnv) available(t *testing.T, userID string) int64 {
	b, err := e.wallet.AvailableBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}
