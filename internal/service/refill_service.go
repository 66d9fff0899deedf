package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

// RefillService 平台池自动补充。同一 provider 同时只有一次补充在进行
type RefillService struct {
	pools   PoolStore
	billing ProviderBilling // nil 表示只能生成人工审批采购单
	alerts  *AlertService
	timeout time.Duration
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

func NewRefillService(pools PoolStore, billing ProviderBilling, alerts *AlertService, cfg *config.Config) *RefillService {
	timeout := cfg.Billing.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RefillService{
		pools:   pools,
		billing: billing,
		alerts:  alerts,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "refill"),
	}
}

// EnsureCapacity 池余额不足 needed 时触发补充，并发调用者共享同一次补充的结果
func (s *RefillService) EnsureCapacity(ctx context.Context, provider string, needed int64) error {
	pool, err := s.pools.GetByProvider(ctx, provider)
	if err != nil {
		return fmt.Errorf("load pool %s: %w", provider, err)
	}
	if !pool.Active() {
		return ErrPoolSuspended
	}
	if pool.AvailableBalance >= needed {
		return nil
	}

	_, err, _ = s.group.Do(provider, func() (interface{}, error) {
		// 与发起者的请求生命周期解耦，避免一个调用方取消导致所有等待者失败
		refillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return nil, s.refill(refillCtx, provider, needed)
	})
	return err
}

func (s *RefillService) refill(ctx context.Context, provider string, needed int64) error {
	pool, err := s.pools.GetByProvider(ctx, provider)
	if err != nil {
		return fmt.Errorf("load pool %s: %w", provider, err)
	}
	if !pool.Active() {
		return ErrPoolSuspended
	}
	if pool.AvailableBalance >= needed {
		return nil
	}

	amount := pool.AutoRefillAmount
	if shortfall := needed - pool.AvailableBalance; shortfall > amount {
		amount = shortfall
	}
	cost := pool.CostPerCredit.Mul(decimal.NewFromInt(amount))
	meta := map[string]interface{}{
		"provider":  provider,
		"credits":   amount,
		"cost_usd":  cost.String(),
		"available": pool.AvailableBalance,
	}

	if s.billing == nil {
		return s.requestApproval(ctx, provider, amount, cost, meta)
	}

	ref, err := s.billing.Purchase(ctx, PurchaseOrder{Provider: provider, Credits: amount, CostUSD: cost})
	if err != nil {
		meta["error"] = err.Error()
		s.alerts.Raise(ctx, model.AlertRefillFailed, model.SeverityHigh,
			fmt.Sprintf("refill of %d credits for %s failed", amount, provider), meta)
		return fmt.Errorf("purchase credits: %w", err)
	}

	meta["external_ref"] = ref
	available, err := s.pools.Credit(ctx, provider, amount, s.now())
	if err != nil {
		// 已付款未入账，只能人工核对
		meta["error"] = err.Error()
		s.alerts.Raise(ctx, model.AlertRefillFailed, model.SeverityCritical,
			fmt.Sprintf("paid refill %s for %s could not be credited", ref, provider), meta)
		return fmt.Errorf("credit pool: %w", err)
	}

	meta["available_after"] = available
	s.alerts.Raise(ctx, model.AlertRefillSucceeded, model.SeverityInfo,
		fmt.Sprintf("pool %s refilled with %d credits", provider, amount), meta)
	return nil
}

func (s *RefillService) requestApproval(ctx context.Context, provider string, amount int64, cost decimal.Decimal, meta map[string]interface{}) error {
	if _, err := s.pools.PendingPurchase(ctx, provider); err == nil {
		return ErrRefillPendingApproval
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	req := &model.PoolPurchaseRequest{
		Provider: provider,
		Credits:  amount,
		CostUSD:  cost,
		Status:   model.PurchaseStatusPending,
	}
	if err := s.pools.CreatePurchase(ctx, req); err != nil {
		return fmt.Errorf("create purchase request: %w", err)
	}

	meta["purchase_id"] = req.ID
	s.alerts.Raise(ctx, model.AlertRefillPendingApproval, model.SeverityWarning,
		fmt.Sprintf("purchase of %d credits for %s awaits approval", amount, provider), meta)
	return ErrRefillPendingApproval
}

// ApprovePurchase 人工审批通过后入账，同一采购单只入账一次
func (s *RefillService) ApprovePurchase(ctx context.Context, id int64) (*model.PoolPurchaseRequest, error) {
	req, err := s.pools.ApprovePurchase(ctx, id, s.now())
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ErrPurchaseProcessed
	}
	if err != nil {
		return nil, err
	}

	s.alerts.Raise(ctx, model.AlertRefillSucceeded, model.SeverityInfo,
		fmt.Sprintf("purchase %d approved, %d credits added to %s", req.ID, req.Credits, req.Provider),
		map[string]interface{}{"purchase_id": req.ID, "provider": req.Provider, "credits": req.Credits})
	return req, nil
}

// CheckThreshold 对低于阈值的活跃池提前补充
func (s *RefillService) CheckThreshold(ctx context.Context) error {
	pools, err := s.pools.List(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, pool := range pools {
		if !pool.Active() || pool.AutoRefillThreshold <= 0 || pool.AvailableBalance >= pool.AutoRefillThreshold {
			continue
		}
		err := s.EnsureCapacity(ctx, pool.Provider, pool.AutoRefillThreshold)
		if err != nil && !errors.Is(err, ErrRefillPendingApproval) {
			errs = append(errs, fmt.Errorf("%s: %w", pool.Provider, err))
		}
	}
	return errors.Join(errs...)
}
