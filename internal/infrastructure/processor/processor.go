// Package processor 定义外部支付渠道（转账 + 回调验签）的最小接口。
package processor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient 网络抖动、超时、渠道 5xx / 限流，可以用同一个幂等键重试
	ErrTransient = errors.New("支付渠道临时错误")
	// ErrPermanent 渠道明确拒绝（参数校验失败、账户不可用等），不再重试
	ErrPermanent = errors.New("支付渠道拒绝")
	// ErrInvalidSignature 回调验签失败
	ErrInvalidSignature = errors.New("回调签名无效")
)

// Transient 把底层错误标记为可重试
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent 把底层错误标记为不可重试
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TransferRequest IdempotencyKey 由提现单号派生，重试时保持不变
type TransferRequest struct {
	IdempotencyKey string
	PayoutNo       string
	UserID         string
	Amount         int64
	Currency       string
	Destination    string
	Method         string
}

type TransferResult struct {
	TransferRef string
}

// WebhookEvent 渠道异步通知。Relevant=false 表示与提现结算无关的事件类型
type WebhookEvent struct {
	EventID     string
	EventType   string
	TransferRef string
	PayoutNo    string
	Outcome     Outcome
	Reason      string
	Relevant    bool
}

// Client 支付渠道适配器
type Client interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}
