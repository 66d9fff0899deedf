package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/database"
	"github.com/qs3c/credit_ledger_server/internal/pkg/cron"
	"github.com/qs3c/credit_ledger_server/internal/pkg/oss"
	"github.com/qs3c/credit_ledger_server/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger_server/internal/pkg/queue"
	"github.com/qs3c/credit_ledger_server/internal/repository"
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
	log.Println("Database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	// 初始化 Queue 和 Pub/Sub
	outboxQueue := queue.NewQueue(rdb, cfg.Queue.OutboxQueue)
	publisher := pubsub.NewPublisher(rdb, cfg.Queue.NotificationsTopic)

	// 初始化 Repository
	outboxRepo := repository.NewOutboxRepository(db)
	moodboardRepo := repository.NewMoodboardRepository(db)

	dispatcher := worker.NewDispatcher(outboxRepo, moodboardRepo, publisher, outboxQueue, cfg)

	// 滞留事件扫描，兜底提交后入队失败的情况
	cronService := cron.NewService(nil, nil, dispatcher, cfg.Cron)
	cronService.Start()

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	// 启动时先补投一次，覆盖上次停机期间积压的事件
	if n, err := dispatcher.Sweep(ctx); err != nil {
		log.Printf("Initial outbox sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Re-enqueued %d pending outbox events", n)
	}

	// OSS 可用时补传 server 降级落盘的结果
	if oss.Enabled(&cfg.OSS) {
		ossClient, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Printf("Warning: Failed to init OSS client, reuploader disabled: %v", err)
		} else {
			go worker.NewReuploader(moodboardRepo, ossClient, cfg.Cron.ReuploadInterval).Start(ctx)
			log.Println("Reuploader started")
		}
	}

	log.Printf("Worker started, max workers: %d", cfg.Queue.MaxWorkers)
	dispatcher.Run(ctx, cfg.Queue.MaxWorkers)

	cronService.Stop()
	log.Println("Worker shutdown complete")
}
