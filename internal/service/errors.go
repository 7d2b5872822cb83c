package service

import (
	"context"
	"errors"
	"fmt"

	"creatorwallet/internal/infrastructure/processor"
)

var (
	ErrValidation         = errors.New("参数校验失败")
	ErrInsufficientFunds  = errors.New("可用余额不足")
	ErrConcurrentPayout   = errors.New("已有未完结的提现")
	ErrPersistence        = errors.New("存储不可用")
	ErrInconsistentLedger = errors.New("账本一致性异常")
	ErrNotFound           = errors.New("记录不存在")
	ErrBusy               = errors.New("系统繁忙，请稍后重试")
	ErrNoPayoutAccount    = errors.New("未绑定收款账户")

	ErrProcessorTransient = processor.ErrTransient
	ErrProcessorPermanent = processor.ErrPermanent
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// persistence 把存储层错误统一包装，上层只需判断 ErrPersistence
func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// passthrough 业务哨兵错误和 ctx 取消原样返回，其余视为存储错误
func passthrough(op string, err error) error {
	for _, known := range []error{
		ErrValidation, ErrPersistence, ErrInsufficientFunds, ErrConcurrentPayout, ErrInconsistentLedger,
		ErrNotFound, ErrBusy, ErrNoPayoutAccount, ErrProcessorTransient, ErrProcessorPermanent,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return persistence(op, err)
}
