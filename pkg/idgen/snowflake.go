package idgen

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// 提现单号 / 流水号生成
// ============================================================================
//
// 提现单号会派生渠道幂等键（payout:<单号>），重复会让两笔提现在渠道侧被合并，
// 所以单号必须全局唯一；多实例部署时用 -worker-id 区分机器。
//
// 64 位布局：
//
//   0 | 41 位毫秒时间戳 | 10 位机器ID | 12 位序列号
//
// 时钟回拨时等到追平再生成，回拨超过 warnBackwardDrift 记告警日志。
// ============================================================================

const (
	epoch             = int64(1767225600000) // 2026-01-01 00:00:00 UTC
	workerIDBits      = 10
	sequenceBits      = 12
	maxWorkerID       = -1 ^ (-1 << workerIDBits)
	sequenceMask      = -1 ^ (-1 << sequenceBits)
	workerIDShift     = sequenceBits
	timestampShift    = sequenceBits + workerIDBits
	warnBackwardDrift = 10 * time.Millisecond
)

// Generator 单机内并发安全
type Generator struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	sequence int64
	nowMs    func() int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id 必须在 0-%d 之间，当前 %d", maxWorkerID, workerID)
	}
	return &Generator{
		workerID: workerID,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowMs()
	if now < g.lastMs {
		if drift := time.Duration(g.lastMs-now) * time.Millisecond; drift > warnBackwardDrift {
			slog.Warn("[IDGen] 系统时钟回拨，等待追平", "drift", drift, "worker_id", g.workerID)
		}
		now = g.waitUntil(g.lastMs)
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// 本毫秒序列号用完
			now = g.waitUntil(g.lastMs + 1)
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-epoch)<<timestampShift | g.workerID<<workerIDShift | g.sequence
}

func (g *Generator) waitUntil(ms int64) int64 {
	now := g.nowMs()
	for now < ms {
		time.Sleep(100 * time.Microsecond)
		now = g.nowMs()
	}
	return now
}

var (
	mu     sync.RWMutex
	shared *Generator
)

// Init 启动时设置机器ID；未调用时使用 worker id 1
func Init(workerID int64) error {
	g, err := NewGenerator(workerID)
	if err != nil {
		return err
	}
	mu.Lock()
	shared = g
	mu.Unlock()
	return nil
}

func defaultGenerator() *Generator {
	mu.RLock()
	g := shared
	mu.RUnlock()
	if g != nil {
		return g
	}

	mu.Lock()
	defer mu.Unlock()
	if shared == nil {
		shared, _ = NewGenerator(1)
	}
	return shared
}

func NextID() int64 {
	return defaultGenerator().Next()
}

// GeneratePayoutNo 例如 PO20260119123456789012
func GeneratePayoutNo() string {
	return withPrefix("PO")
}

// GenerateTransactionNo 例如 TXN20260119123456789012
func GenerateTransactionNo() string {
	return withPrefix("TXN")
}

// 日期前缀只为便于人工排查，唯一性由雪花ID保证
func withPrefix(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, time.Now().UTC().Format("20060102"), NextID())
}
