package handler

import (
	"creatorwallet/internal/config"
	"creatorwallet/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(svc Services, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(svc)

	api := r.Group("/api/v1")
	{
		// 渠道回调只校验签名
		api.POST("/webhooks/processor", h.ProcessorWebhook)

		authed := api.Group("", AuthMiddleware(cfg.Auth.JWTSecret))

		wallet := authed.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.GET("/transactions", h.ListTransactions)
			wallet.GET("/payout-account", h.GetPayoutAccount)
			wallet.PUT("/payout-account", h.BindPayoutAccount)
		}

		payouts := authed.Group("/payouts")
		{
			payouts.POST("", h.RequestPayout)
			payouts.GET("", h.ListPayouts)
			payouts.GET("/:payout_no", h.GetPayout)
		}

		authed.GET("/bounties/:id", h.GetBounty)
		authed.GET("/recommendations", h.GetRecommendations)

		admin := authed.Group("/admin", RequireRole(svc.Roles, service.RoleAdmin))
		{
			admin.POST("/bounties", h.CreateBounty)
			admin.POST("/submissions/approve", h.ApproveSubmission)
			admin.POST("/deposits", h.Deposit)
			admin.POST("/transactions/:transaction_no/refund", h.RefundTransaction)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
