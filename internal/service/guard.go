package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/infrastructure/lock"
	"creatorwallet/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Guard 幂等与并发守卫
//   - 同一用户的资金写操作（提现创建、渠道结果回写、冲正）通过 Redis 锁串行
//   - 渠道回调按事件ID去重，记录保留 retention 时长
type Guard struct {
	rdb           *redis.Client
	events        *repository.ProcessedEventRepository
	lockTTL       time.Duration
	lockWait      time.Duration
	retryInterval time.Duration
	retention     time.Duration
	now           func() time.Time
}

func NewGuard(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Guard {
	return &Guard{
		rdb:           rdb,
		events:        repository.NewProcessedEventRepository(db),
		lockTTL:       cfg.Payout.LockTTL,
		lockWait:      cfg.Payout.LockWait,
		retryInterval: 50 * time.Millisecond,
		retention:     cfg.Webhook.EventRetention,
		now:           time.Now,
	}
}

// WithUserLock 持有用户锁执行 fn；等待超时返回 ErrBusy
func (g *Guard) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	userLock := lock.NewUserLock(g.rdb, userID, g.lockTTL)
	if err := userLock.Lock(ctx, g.retryInterval, g.lockWait); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return ErrBusy
		}
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer func() {
		// 请求已取消时仍要释放锁，否则只能等 TTL 过期
		if err := userLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("[Guard] 释放用户锁失败", "key", userLock.Key(), "err", err)
		}
	}()
	return fn(ctx)
}

// MarkEvent 首次出现返回 true；传入 tx 时与结果回写同事务提交
func (g *Guard) MarkEvent(ctx context.Context, tx *gorm.DB, eventID, eventType string) (bool, error) {
	now := g.now()
	return g.events.TryMark(ctx, tx, eventID, eventType, now, now.Add(g.retention))
}

func (g *Guard) Seen(ctx context.Context, eventID string) (bool, error) {
	return g.events.Exists(ctx, eventID)
}

// PurgeExpired 删除超出保留窗口的去重记录
func (g *Guard) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	return g.events.DeleteExpired(ctx, g.now(), limit)
}
