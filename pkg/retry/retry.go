// Package retry 有上限的指数退避重试策略。
//
// 等待通过 Sleeper 注入，测试里可以替换成只记录时长的实现。
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sleeper 等待 d，ctx 结束时提前返回 ctx.Err()
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TimerSleeper 真实计时
var TimerSleeper Sleeper = timerSleeper{}

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	Sleeper         Sleeper
}

// New 默认倍数 2、无抖动
func New(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2,
		Sleeper:         TimerSleeper,
	}
}

// WithSleeper 返回替换了 Sleeper 的副本
func (p Policy) WithSleeper(s Sleeper) Policy {
	p.Sleeper = s
	return p
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // v4 默认 15 分钟上限；置 0 与 v5 一致（无上限）
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

// Do 执行 op，直到成功、返回不可重试错误或用完 MaxAttempts 次。
// attempt 从 1 开始；返回最后一次的错误。
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper
	}
	sched := p.schedule()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx, attempt)
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}
		wait := sched.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if sleepErr := sleeper.Sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
	return err
}
