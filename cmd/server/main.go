package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/api"
	"github.com/qs3c/credit_ledger_server/internal/api/handler"
	"github.com/qs3c/credit_ledger_server/internal/database"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/pkg/billing"
	"github.com/qs3c/credit_ledger_server/internal/pkg/cron"
	"github.com/qs3c/credit_ledger_server/internal/pkg/oss"
	"github.com/qs3c/credit_ledger_server/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger_server/internal/pkg/queue"
	"github.com/qs3c/credit_ledger_server/internal/pkg/storage"
	"github.com/qs3c/credit_ledger_server/internal/pkg/webhook"
	"github.com/qs3c/credit_ledger_server/internal/pkg/ws"
	"github.com/qs3c/credit_ledger_server/internal/repository"
	"github.com/qs3c/credit_ledger_server/internal/service"
	"github.com/qs3c/credit_ledger_server/internal/worker"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Printf("Database connected (%s)", cfg.Database.Driver)

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 Repository
	userRepo := repository.NewUserRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	poolRepo := repository.NewPoolRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	ledgerStore := repository.NewLedgerStore(accountRepo, poolRepo, txRepo)

	if err := seedPool(ctx, poolRepo, cfg.Pool); err != nil {
		log.Fatalf("Failed to seed credit pool: %v", err)
	}

	// 初始化 Queue 和 Pub/Sub
	outboxQueue := queue.NewQueue(rdb, cfg.Queue.OutboxQueue)
	subscriber := pubsub.NewSubscriber(rdb, cfg.Queue.NotificationsTopic)

	// 平台池充值：stripe 自动扣款，否则生成人工审批采购单
	var providerBilling service.ProviderBilling
	if cfg.Billing.Mode == "stripe" {
		sb, err := billing.NewStripeBilling(cfg.Billing)
		if err != nil {
			log.Fatalf("Failed to init stripe billing: %v", err)
		}
		providerBilling = sb
		log.Println("Stripe billing enabled")
	}

	// 结果图片：OSS 未配置时落本地目录
	var uploader storage.Uploader
	if oss.Enabled(&cfg.OSS) {
		ossClient, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Printf("Warning: Failed to init OSS client, falling back to local storage: %v", err)
		} else {
			uploader = ossClient
			log.Println("OSS client initialized")
		}
	}
	artifacts := storage.NewArtifactStorage(uploader, cfg.Upload.TempDir, cfg.Settlement.MaxArtifactBytes)

	verifier, err := webhook.NewVerifier(cfg.Provider.WebhookSecret)
	if err != nil {
		log.Fatalf("Failed to init webhook verifier: %v", err)
	}
	if !verifier.Enabled() {
		log.Println("Warning: provider webhook signature verification disabled")
	}

	// 初始化 Service
	alertService := service.NewAlertService(auditRepo, outboxQueue)
	refillService := service.NewRefillService(poolRepo, providerBilling, alertService, cfg)
	ledgerService := service.NewLedgerService(ledgerStore, userRepo, refillService, cfg)
	settlementService := service.NewSettlementService(
		taskRepo,
		ledgerService,
		auditRepo,
		alertService,
		artifacts,
		outboxQueue,
		service.NewRefundPolicy(cfg.Settlement.PlatformLossUnits),
		cfg,
	)

	// WebSocket Hub，worker 发布的通知经 Redis 转发到本进程的连接
	wsHub := ws.NewHub()
	go func() {
		if err := worker.RelayNotifications(ctx, subscriber, wsHub); err != nil && ctx.Err() == nil {
			log.Printf("Notification relay stopped: %v", err)
		}
	}()
	log.Println("WebSocket hub started")

	// 定时任务：月度重置与平台池巡检，outbox 扫描在 worker 进程
	cronService := cron.NewService(ledgerService, refillService, nil, cfg.Cron)
	cronService.Start()

	// 初始化 Handler
	webhookHandler := handler.NewWebhookHandler(settlementService, verifier)
	creditsHandler := handler.NewCreditsHandler(ledgerService)
	tasksHandler := handler.NewTasksHandler(settlementService)
	adminHandler := handler.NewAdminHandler(alertService, refillService, ledgerService)
	websocketHandler := handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret)

	// 初始化 Router
	router := api.NewRouter(
		webhookHandler,
		creditsHandler,
		tasksHandler,
		adminHandler,
		websocketHandler,
		ledgerService,
		cfg,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router.Setup()}

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	cronService.Stop()
	cancel()
	log.Println("Server shutdown complete")
}

// seedPool 首次启动时按配置创建平台积分池，已存在则不改动
func seedPool(ctx context.Context, pools *repository.PoolRepository, cfg config.PoolConfig) error {
	if cfg.Provider == "" {
		return errors.New("pool.provider is required")
	}
	cost, err := decimal.NewFromString(cfg.CostPerCredit)
	if err != nil {
		return fmt.Errorf("invalid pool.cost_per_credit %q: %w", cfg.CostPerCredit, err)
	}

	pool, err := pools.Ensure(ctx, &model.PlatformCreditPool{
		Provider:            cfg.Provider,
		TotalPurchased:      cfg.InitialBalance,
		AvailableBalance:    cfg.InitialBalance,
		CostPerCredit:       cost,
		AutoRefillThreshold: cfg.AutoRefillThreshold,
		AutoRefillAmount:    cfg.AutoRefillAmount,
		Status:              model.PoolStatusActive,
	})
	if err != nil {
		return err
	}
	log.Printf("Credit pool %s ready, available %d", pool.Provider, pool.AvailableBalance)
	return nil
}
