package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

type CreditSource string

const (
	SourceUser     CreditSource = "user"
	SourcePlatform CreditSource = "platform"
)

// ReserveResult 一次预占的结果。RemainingBalance 始终是用户个人余额
type ReserveResult struct {
	Source           CreditSource    `json:"source"`
	CreditsConsumed  int64           `json:"credits_consumed"`
	RemainingBalance int64           `json:"remaining_balance"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	TransactionID    string          `json:"transaction_id"`
}

type RefundResult struct {
	TransactionID   string `json:"transaction_id"`
	CreditsRefunded int64  `json:"credits_refunded"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	AlreadyApplied  bool   `json:"already_applied"`
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	resetBatchSize      = 200
)

type LedgerService struct {
	store  LedgerStore
	tiers  TierLookup
	refill CapacityEnsurer
	cfg    *config.Config
	now    func() time.Time
	logger *slog.Logger
}

func NewLedgerService(store LedgerStore, tiers TierLookup, refill CapacityEnsurer, cfg *config.Config) *LedgerService {
	return &LedgerService{
		store:  store,
		tiers:  tiers,
		refill: refill,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "ledger"),
	}
}

// ReserveAndConsume 优先扣个人余额，不足且档位允许时改由平台池承担
func (s *LedgerService) ReserveAndConsume(ctx context.Context, userID, creditsNeeded int64, purpose string) (*ReserveResult, error) {
	if userID <= 0 || creditsNeeded <= 0 || purpose == "" {
		return nil, ErrInvalidInput
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if account.CurrentBalance >= creditsNeeded {
		entry := s.newEntry(userID, model.TxUserDeduction, creditsNeeded, decimal.Zero, purpose)
		balance, err := s.store.ConsumeUser(ctx, userID, creditsNeeded, entry)
		if err == nil {
			s.logger.Info("credits consumed", "user_id", userID, "source", SourceUser, "credits", creditsNeeded, "balance", balance)
			return &ReserveResult{
				Source:           SourceUser,
				CreditsConsumed:  creditsNeeded,
				RemainingBalance: balance,
				CostUSD:          decimal.Zero,
				TransactionID:    entry.ID,
			}, nil
		}
		if !errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, fmt.Errorf("consume user credits: %w", err)
		}
		// 读到余额后被并发扣减，重新读取实际余额后走平台池
		if account, err = s.store.GetAccount(ctx, userID); err != nil {
			return nil, fmt.Errorf("reload account: %w", err)
		}
	}

	if !s.cfg.Subscription.Level(account.SubscriptionTier).PlatformEligible {
		return nil, ErrInsufficientCredits
	}
	return s.consumePlatform(ctx, account, creditsNeeded, purpose)
}

func (s *LedgerService) consumePlatform(ctx context.Context, account *model.UserCreditAccount, credits int64, purpose string) (*ReserveResult, error) {
	provider := s.cfg.Pool.Provider

	pool, err := s.store.GetPool(ctx, provider)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlatformPoolDepleted
	}
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	if !pool.Active() {
		return nil, fmt.Errorf("%w: %w", ErrPlatformPoolDepleted, ErrPoolSuspended)
	}

	if pool.AvailableBalance < credits {
		if s.refill != nil {
			if err := s.refill.EnsureCapacity(ctx, provider, credits); err != nil {
				s.logger.Warn("pool refill did not complete", "provider", provider, "needed", credits, "error", err)
			}
		}
		if pool, err = s.store.GetPool(ctx, provider); err != nil {
			return nil, fmt.Errorf("reload pool: %w", err)
		}
		if pool.AvailableBalance < credits {
			return nil, ErrPlatformPoolDepleted
		}
	}

	cost := pool.CostPerCredit.Mul(decimal.NewFromInt(credits))
	entry := s.newEntry(account.UserID, model.TxPlatformDeduction, credits, cost, purpose)
	entry.Provider = provider

	available, err := s.store.ConsumePool(ctx, provider, credits, entry)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return nil, ErrPlatformPoolDepleted
	}
	if err != nil {
		return nil, fmt.Errorf("consume pool credits: %w", err)
	}

	s.logger.Info("credits consumed", "user_id", account.UserID, "source", SourcePlatform,
		"credits", credits, "cost_usd", cost.String(), "pool_available", available)
	return &ReserveResult{
		Source:           SourcePlatform,
		CreditsConsumed:  credits,
		RemainingBalance: account.CurrentBalance,
		CostUSD:          cost,
		TransactionID:    entry.ID,
	}, nil
}

// Refund 退还用户积分，以 taskID 为幂等键，重复调用返回首次结果且 AlreadyApplied=true
func (s *LedgerService) Refund(ctx context.Context, userID int64, taskID string, credits int64, reason string) (*RefundResult, error) {
	if userID <= 0 || taskID == "" || credits <= 0 || reason == "" {
		return nil, ErrInvalidInput
	}

	entry := s.newEntry(userID, model.TxRefund, -credits, decimal.Zero, reason)
	entry.Status = model.TxCompleted

	stored, applied, err := s.store.RefundUser(ctx, userID, taskID, credits, entry)
	if err != nil {
		return nil, fmt.Errorf("refund task %s: %w", taskID, err)
	}

	refunded := -stored.CreditsAmount
	result := &RefundResult{
		TransactionID:   stored.ID,
		CreditsRefunded: refunded,
		PreviousBalance: stored.BalanceAfter - refunded,
		NewBalance:      stored.BalanceAfter,
		AlreadyApplied:  !applied,
	}
	if applied {
		s.logger.Info("credits refunded", "user_id", userID, "task_id", taskID, "credits", refunded, "balance", result.NewBalance)
	}
	return result, nil
}

// ResetMonthly 逐批把所有账户恢复为当前档位的月度额度，档位查询失败时沿用已存档位
func (s *LedgerService) ResetMonthly(ctx context.Context) (int64, error) {
	now := s.now()
	var reset, after int64
	for {
		accounts, err := s.store.ListAccountsAfter(ctx, after, resetBatchSize)
		if err != nil {
			return reset, fmt.Errorf("list accounts: %w", err)
		}
		for _, account := range accounts {
			tier, allowance := account.SubscriptionTier, account.MonthlyAllowance
			if current, err := s.tiers.TierOf(ctx, account.UserID); err != nil {
				s.logger.Warn("tier lookup failed, keeping stored tier", "user_id", account.UserID, "error", err)
			} else {
				tier, allowance = current, s.cfg.Subscription.Level(current).MonthlyAllowance
			}

			ok, err := s.store.ResetAccount(ctx, account.UserID, tier, allowance, now)
			if err != nil {
				return reset, fmt.Errorf("reset account %d: %w", account.UserID, err)
			}
			if ok {
				reset++
			}
		}
		if len(accounts) < resetBatchSize {
			break
		}
		after = accounts[len(accounts)-1].UserID
	}
	s.logger.Info("monthly reset completed", "accounts", reset)
	return reset, nil
}

// InitializeAccount 按订阅档位创建账户，已存在时直接返回
func (s *LedgerService) InitializeAccount(ctx context.Context, userID int64) (*model.UserCreditAccount, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}

	account, err := s.store.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tier, err := s.tiers.TierOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup tier: %w", err)
	}
	allowance := s.cfg.Subscription.Level(tier).MonthlyAllowance

	account = &model.UserCreditAccount{
		UserID:           userID,
		SubscriptionTier: tier,
		MonthlyAllowance: allowance,
		CurrentBalance:   allowance,
		LastResetAt:      s.now(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.store.GetAccount(ctx, userID)
		}
		return nil, err
	}
	return account, nil
}

// GetAccount 取账户，跨月后首次访问时按当前档位惰性重置
func (s *LedgerService) GetAccount(ctx context.Context, userID int64) (*model.UserCreditAccount, error) {
	account, err := s.InitializeAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !account.ResetDue(now) {
		return account, nil
	}

	tier, err := s.tiers.TierOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup tier: %w", err)
	}
	allowance := s.cfg.Subscription.Level(tier).MonthlyAllowance
	if _, err := s.store.ResetAccountIfDue(ctx, userID, tier, allowance, monthStart(now), now); err != nil {
		return nil, fmt.Errorf("reset account: %w", err)
	}
	return s.store.GetAccount(ctx, userID)
}

func (s *LedgerService) History(ctx context.Context, userID int64, limit int) ([]*model.CreditTransaction, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

func (s *LedgerService) DeductionForTask(ctx context.Context, taskID string) (*model.CreditTransaction, error) {
	return s.store.DeductionForTask(ctx, taskID)
}

func (s *LedgerService) newEntry(userID int64, txType model.TransactionType, credits int64, cost decimal.Decimal, purpose string) *model.CreditTransaction {
	return &model.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          txType,
		CreditsAmount: credits,
		CostUSD:       cost,
		Purpose:       purpose,
		Status:        model.TxPending,
	}
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
