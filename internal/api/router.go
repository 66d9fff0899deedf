package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/api/handler"
	"github.com/qs3c/credit_ledger_server/internal/api/middleware"
)

type Router struct {
	webhookHandler   *handler.WebhookHandler
	creditsHandler   *handler.CreditsHandler
	tasksHandler     *handler.TasksHandler
	adminHandler     *handler.AdminHandler
	websocketHandler *handler.WebSocketHandler
	accounts         middleware.AccountLoader
	cfg              *config.Config
}

func NewRouter(
	webhookHandler *handler.WebhookHandler,
	creditsHandler *handler.CreditsHandler,
	tasksHandler *handler.TasksHandler,
	adminHandler *handler.AdminHandler,
	websocketHandler *handler.WebSocketHandler,
	accounts middleware.AccountLoader,
	cfg *config.Config,
) *Router {
	return &Router{
		webhookHandler:   webhookHandler,
		creditsHandler:   creditsHandler,
		tasksHandler:     tasksHandler,
		adminHandler:     adminHandler,
		websocketHandler: websocketHandler,
		accounts:         accounts,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		// 服务商回调，签名在 handler 内校验
		api.POST("/webhooks/provider", r.webhookHandler.Provider)

		// 积分
		credits := api.Group("/credits")
		credits.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			credits.POST("/reserve", r.creditsHandler.Reserve)
			credits.GET("/balance", middleware.LoadAccount(r.accounts), r.creditsHandler.Balance)
			credits.GET("/history", r.creditsHandler.History)
		}

		// 派发钩子
		tasks := api.Group("/tasks")
		tasks.Use(middleware.AdminToken(r.cfg.Admin.Token))
		{
			tasks.POST("", r.tasksHandler.Open)
			tasks.POST("/:id/running", r.tasksHandler.MarkRunning)
		}

		// 运维
		admin := api.Group("/admin")
		admin.Use(middleware.AdminToken(r.cfg.Admin.Token))
		{
			admin.GET("/alerts", r.adminHandler.Alerts)
			admin.POST("/pool/purchases/:id/approve", r.adminHandler.ApprovePurchase)
			admin.POST("/credits/reset", r.adminHandler.ResetCredits)
		}
	}

	return engine
}
