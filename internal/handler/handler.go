package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"creatorwallet/internal/infrastructure/processor"
	"creatorwallet/internal/model"
	"creatorwallet/internal/service"
	"creatorwallet/pkg/response"

	"github.com/gin-gonic/gin"
)

// Services 处理器依赖的服务集合
type Services struct {
	Wallet          *service.WalletService
	Ledger          *service.LedgerService
	Payouts         *service.PayoutService
	Bounties        *service.BountyService
	Webhooks        *service.WebhookService
	Roles           *service.RoleService
	Recommendations *service.RecommendationService
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	svc Services
}

// NewHandler 创建处理器实例
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// writeError 把服务层错误映射为 HTTP 状态码和业务码
func writeError(c *gin.Context, err error, data interface{}) {
	var (
		status = http.StatusInternalServerError
		code   = response.CodeServerError
		msg    = "服务器内部错误"
	)
	switch {
	case errors.Is(err, service.ErrNoPayoutAccount):
		status, code, msg = http.StatusUnprocessableEntity, response.CodePayoutAccountMissing, err.Error()
	case errors.Is(err, service.ErrInsufficientFunds):
		status, code, msg = http.StatusUnprocessableEntity, response.CodeInsufficientFunds, err.Error()
	case errors.Is(err, processor.ErrInvalidSignature):
		status, code, msg = http.StatusBadRequest, response.CodeInvalidSignature, "签名无效"
	case errors.Is(err, service.ErrValidation):
		status, code, msg = http.StatusBadRequest, response.CodeValidationError, err.Error()
	case errors.Is(err, service.ErrConcurrentPayout):
		status, code, msg = http.StatusConflict, response.CodeConcurrentPayout, err.Error()
	case errors.Is(err, service.ErrNotFound):
		status, code, msg = http.StatusNotFound, response.CodeNotFound, "记录不存在"
	case errors.Is(err, service.ErrBusy):
		status, code, msg = http.StatusServiceUnavailable, response.CodeBusy, err.Error()
	case errors.Is(err, service.ErrProcessorPermanent), errors.Is(err, service.ErrProcessorTransient):
		status, code, msg = http.StatusBadGateway, response.CodePayoutFailed, err.Error()
	default:
		// 存储错误和账本一致性错误不向调用方暴露细节
		slog.Error("[HTTP] 请求处理失败", "path", c.Request.URL.Path, "err", err)
	}
	response.Fail(c, status, code, msg, data)
}

// pageParams limit 默认 50、截断到 [1,100]；offset 默认 0
func pageParams(c *gin.Context) (int, int, bool) {
	limit, offset := service.DefaultPageLimit, 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			response.ParamError(c, "limit 参数错误")
			return 0, 0, false
		}
		limit = v
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			response.ParamError(c, "offset 参数错误")
			return 0, 0, false
		}
		offset = v
	}
	limit, offset = service.ClampPage(limit, offset)
	return limit, offset, true
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxUserIDKey)
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetBalance 查询可用余额
// GET /api/v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.svc.Wallet.GetBalance(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, balance)
}

// ListTransactions 流水分页，按时间倒序
// GET /api/v1/wallet/transactions?limit=&offset=
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}
	transactions, total, err := h.svc.Ledger.ListForUser(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if transactions == nil {
		transactions = []*model.Transaction{}
	}
	response.Success(c, gin.H{
		"transactions": transactions,
		"total":        total,
		"page":         offset/limit + 1,
		"limit":        limit,
	})
}

// GetPayoutAccount 查询已绑定的收款账户，未绑定时 payout_account 为空串
// GET /api/v1/wallet/payout-account
func (h *Handler) GetPayoutAccount(c *gin.Context) {
	wallet, err := h.svc.Wallet.GetWallet(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, gin.H{
		"user_id":        wallet.UserID,
		"payout_account": wallet.PayoutAccount,
	})
}

type BindPayoutAccountRequest struct {
	Account string `json:"account" binding:"required"`
}

// BindPayoutAccount 绑定收款账户（渠道侧的 connected account / 银行账户ID）
// PUT /api/v1/wallet/payout-account
func (h *Handler) BindPayoutAccount(c *gin.Context) {
	var req BindPayoutAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	wallet, err := h.svc.Wallet.BindPayoutAccount(c.Request.Context(), currentUser(c), req.Account)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, gin.H{
		"user_id":        wallet.UserID,
		"payout_account": wallet.PayoutAccount,
	})
}

// ============================================================
// 提现相关接口
// ============================================================

type RequestPayoutRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// RequestPayout 发起提现
// POST /api/v1/payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var req RequestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.Method == "" {
		req.Method = model.PayoutMethodStripe
	}

	payout, err := h.svc.Payouts.RequestPayout(c.Request.Context(), currentUser(c), req.Amount, req.Method)
	if err != nil {
		// 渠道拒绝时提现单已落库为 failed，一并返回
		writeError(c, err, payout)
		return
	}
	response.Success(c, payout)
}

// ListPayouts 提现记录
// GET /api/v1/payouts?limit=&offset=
func (h *Handler) ListPayouts(c *gin.Context) {
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}
	payouts, total, err := h.svc.Payouts.ListPayouts(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if payouts == nil {
		payouts = []*model.Payout{}
	}
	response.Success(c, gin.H{
		"payouts": payouts,
		"total":   total,
		"page":    offset/limit + 1,
		"limit":   limit,
	})
}

// GetPayout 提现详情
// GET /api/v1/payouts/:payout_no
func (h *Handler) GetPayout(c *gin.Context) {
	payout, err := h.svc.Payouts.GetPayout(c.Request.Context(), currentUser(c), c.Param("payout_no"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, payout)
}

// ============================================================
// 悬赏相关接口
// ============================================================

// GetBounty 悬赏进度
// GET /api/v1/bounties/:id
func (h *Handler) GetBounty(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}
	progress, err := h.svc.Bounties.GetProgress(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, progress)
}

// ApproveSubmission 投稿审核通过，按播放量结算悬赏
// POST /api/v1/admin/submissions/approve
func (h *Handler) ApproveSubmission(c *gin.Context) {
	var req service.ApprovedSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.svc.Bounties.ProcessApprovedSubmission(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, result)
}

type CreateBountyRequest struct {
	Name           string `json:"name" binding:"required"`
	TotalBounty    int64  `json:"total_bounty" binding:"required"`
	RatePer1kViews int64  `json:"rate_per_1k_views" binding:"required"`
}

// CreateBounty 创建悬赏
// POST /api/v1/admin/bounties
func (h *Handler) CreateBounty(c *gin.Context) {
	var req CreateBountyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	bounty, err := h.svc.Bounties.CreateBounty(c.Request.Context(), req.Name, req.TotalBounty, req.RatePer1kViews)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, bounty)
}

type DepositRequest struct {
	UserID           string `json:"user_id" binding:"required"`
	Amount           int64  `json:"amount" binding:"required,gt=0"`
	PaymentIntentRef string `json:"payment_intent_ref" binding:"required"`
}

// Deposit 渠道入金确认后记账
// POST /api/v1/admin/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	trans, err := h.svc.Ledger.Deposit(c.Request.Context(), req.UserID, req.Amount, req.PaymentIntentRef)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, trans)
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

// RefundTransaction 冲正一笔已完成的入账流水
// POST /api/v1/admin/transactions/:transaction_no/refund
func (h *Handler) RefundTransaction(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	trans, err := h.svc.Ledger.Refund(c.Request.Context(), c.Param("transaction_no"), req.Reason)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, trans)
}

// ============================================================
// 渠道回调
// ============================================================

// ProcessorWebhook 渠道异步通知，不走 JWT，靠签名校验
// POST /api/v1/webhooks/processor
func (h *Handler) ProcessorWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}
	result, err := h.svc.Webhooks.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 推荐
// ============================================================

// GetRecommendations 推荐悬赏，cached 表示结果来自缓存
// GET /api/v1/recommendations
func (h *Handler) GetRecommendations(c *gin.Context) {
	recs, err := h.svc.Recommendations.GetRecommendations(c.Request.Context(), currentUser(c))
	if err != nil {
		slog.Error("[Recommend] 获取推荐失败", "user_id", currentUser(c), "err", err)
		response.ServerError(c, "获取推荐失败")
		return
	}
	response.Success(c, gin.H{
		"recommendations": recs,
		"cached":          service.IsCached(recs),
	})
}
