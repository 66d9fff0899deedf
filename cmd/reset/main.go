package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/database"
	"github.com/qs3c/credit_ledger_server/internal/pkg/cron"
	"github.com/qs3c/credit_ledger_server/internal/repository"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

var (
	dryRun  = flag.Bool("dry-run", true, "Only report how many accounts would be reset")
	timeout = flag.Duration("timeout", 5*time.Minute, "Maximum time for the reset")
)

// 手动执行月度积分重置，用于定时任务错过窗口后的补偿
func main() {
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	accountRepo := repository.NewAccountRepository(db)
	count, err := accountRepo.Count(ctx)
	if err != nil {
		log.Fatalf("Failed to count accounts: %v", err)
	}

	log.Printf("Mode: dry-run=%v", *dryRun)
	log.Printf("Accounts: %d, next scheduled reset: %s", count, cron.NextMonthStart(time.Now()).Format(time.RFC3339))

	if *dryRun {
		log.Println("DRY RUN MODE - no balances were changed, run with -dry-run=false to reset")
		return
	}

	store := repository.NewLedgerStore(accountRepo, repository.NewPoolRepository(db), repository.NewTransactionRepository(db))
	ledger := service.NewLedgerService(store, repository.NewUserRepository(db), nil, cfg)

	n, err := cron.NewService(ledger, nil, nil, cfg.Cron).RunNow(ctx)
	if err != nil {
		log.Fatalf("Reset failed: %v", err)
	}
	log.Printf("Reset completed, %d accounts restored to their monthly allowance", n)
}
