package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"creatorwallet/internal/config"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const metadataPayoutNo = "payout_no"

// StripeClient Stripe 适配器
//   - method=stripe: Transfer 到创作者的 Connect 账户
//   - method=bank:   Payout 到绑定的银行账户
type StripeClient struct {
	api           *client.API
	webhookSecret string
}

// NewStripeClient 凭证通过配置显式传入
func NewStripeClient(cfg config.ProcessorConfig) *StripeClient {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeClient{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
	}
}

func (c *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.Method == "bank" {
		params := &stripe.PayoutParams{
			Amount:      stripe.Int64(req.Amount),
			Currency:    stripe.String(req.Currency),
			Destination: stripe.String(req.Destination),
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata(metadataPayoutNo, req.PayoutNo)
		params.AddMetadata("user_id", req.UserID)

		p, err := c.api.Payouts.New(params)
		if err != nil {
			return TransferResult{}, classify(err)
		}
		return TransferResult{TransferRef: p.ID}, nil
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.PayoutNo),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metadataPayoutNo, req.PayoutNo)
	params.AddMetadata("user_id", req.UserID)

	t, err := c.api.Transfers.New(params)
	if err != nil {
		return TransferResult{}, classify(err)
	}
	return TransferResult{TransferRef: t.ID}, nil
}

func (c *StripeClient) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{EventID: event.ID, EventType: string(event.Type)}
	switch out.EventType {
	case "payout.paid", "payout.failed", "payout.canceled":
		var p stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return WebhookEvent{}, fmt.Errorf("解析 payout 事件失败: %w", err)
		}
		out.Relevant = true
		out.TransferRef = p.ID
		out.PayoutNo = p.Metadata[metadataPayoutNo]
		if out.EventType == "payout.paid" {
			out.Outcome = OutcomeSuccess
		} else {
			out.Outcome = OutcomeFailure
			out.Reason = p.FailureMessage
		}
	case "transfer.created", "transfer.reversed":
		var t stripe.Transfer
		if err := json.Unmarshal(event.Data.Raw, &t); err != nil {
			return WebhookEvent{}, fmt.Errorf("解析 transfer 事件失败: %w", err)
		}
		out.Relevant = true
		out.TransferRef = t.ID
		out.PayoutNo = t.Metadata[metadataPayoutNo]
		if out.EventType == "transfer.created" {
			out.Outcome = OutcomeSuccess
		} else {
			out.Outcome = OutcomeFailure
			out.Reason = "transfer_reversed"
		}
	}
	return out, nil
}

// classify 区分可重试与不可重试错误
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// 连接失败、超时等没有拿到渠道响应
		return Transient(err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
