package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么提现需要按用户加锁？】
//
// 场景：创作者在两个标签页同时点击"提现"
//
// 如果没有锁：
//   请求1: 可用余额=5000 -> 创建提现3000 -> 预留3000
//   请求2: 可用余额=5000 -> 创建提现3000 -> 预留3000   超额预留了！
//
// 加锁后：
//   请求1: 获取锁 -> 创建提现 -> 调用渠道 -> 释放锁
//   请求2: 等待锁 -> 发现已有未完结提现 -> 拒绝
//
// 加锁：SET key token NX PX ttl
// 释放：Lua 脚本比较 token 后再 DEL，防止误删别人的锁
//
// 锁只负责"同一用户的写操作串行化"，数据库里 payout.in_flight_key 的唯一索引
// 才是"最多一笔未完结提现"的最终保障，Redis 锁过期也不会破坏这一点。
// ============================================================================

var (
	ErrLockFailed   = errors.New("获取分布式锁失败")
	ErrLockNotOwned = errors.New("锁已过期或被他人持有")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 持有者标识
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewUserLock 按用户维度的互斥锁：提现创建与渠道结果回写共用同一把锁
func NewUserLock(client *redis.Client, userID string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("wallet:lock:user:%s", userID)
	return NewDistributedLock(client, key, uuid.NewString(), ttl)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁，最多等待 wait
func (l *DistributedLock) Lock(ctx context.Context, retryInterval, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		if time.Now().Add(retryInterval).After(deadline) {
			return ErrLockFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}
