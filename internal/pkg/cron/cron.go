package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qs3c/credit_ledger_server/config"
)

// MonthlyResetter 月度余额重置，由 service.LedgerService 实现
type MonthlyResetter interface {
	ResetMonthly(ctx context.Context) (int64, error)
}

// ThresholdChecker 平台池阈值巡检，由 service.RefillService 实现
type ThresholdChecker interface {
	CheckThreshold(ctx context.Context) error
}

// OutboxSweeper 重新投递滞留的 outbox 事件，由 worker.Dispatcher 实现
type OutboxSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Service struct {
	resetter MonthlyResetter
	checker  ThresholdChecker
	sweeper  OutboxSweeper
	cfg      config.CronConfig
	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(resetter MonthlyResetter, checker ThresholdChecker, sweeper OutboxSweeper, cfg config.CronConfig) *Service {
	return &Service{
		resetter: resetter,
		checker:  checker,
		sweeper:  sweeper,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "cron"),
	}
}

// Start 启动定时任务，未注入的任务不启动
func (s *Service) Start() {
	if s.resetter != nil {
		s.spawn(s.runMonthlyReset)
	}
	if s.checker != nil && s.cfg.ThresholdCheckInterval > 0 {
		s.spawn(func() { s.runEvery(s.cfg.ThresholdCheckInterval, "threshold_check", s.checkThreshold) })
	}
	if s.sweeper != nil && s.cfg.OutboxSweepInterval > 0 {
		s.spawn(func() { s.runEvery(s.cfg.OutboxSweepInterval, "outbox_sweep", s.sweepOutbox) })
	}
	s.logger.Info("cron service started")
}

// Stop 停止定时任务并等待正在执行的任务结束
func (s *Service) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("cron service stopped")
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// runMonthlyReset 每月 1 日 00:00 UTC 重置余额
func (s *Service) runMonthlyReset() {
	timer := time.NewTimer(s.untilNextMonth())

	for {
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			s.RunNow(context.Background())
			timer.Reset(s.untilNextMonth())
		}
	}
}

func (s *Service) untilNextMonth() time.Duration {
	now := s.now()
	return NextMonthStart(now).Sub(now)
}

func (s *Service) runEvery(interval time.Duration, name string, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
			s.logger.Debug("cron job finished", "job", name)
		}
	}
}

func (s *Service) checkThreshold(ctx context.Context) {
	if err := s.checker.CheckThreshold(ctx); err != nil {
		s.logger.Error("pool threshold check failed", "error", err)
	}
}

func (s *Service) sweepOutbox(ctx context.Context) {
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("outbox sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("outbox events re-enqueued", "count", n)
	}
}

// RunNow 立即执行月度重置（用于手动触发）
func (s *Service) RunNow(ctx context.Context) (int64, error) {
	n, err := s.resetter.ResetMonthly(ctx)
	if err != nil {
		s.logger.Error("monthly reset failed", "error", err)
		return 0, err
	}
	return n, nil
}

// NextMonthStart 下一个自然月第一天 00:00 UTC
func NextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
