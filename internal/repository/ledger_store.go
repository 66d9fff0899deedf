package repository

import (
	"context"
	"time"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

// LedgerStore 把账户、平台池、流水三个仓储组合成账本服务需要的存储
type LedgerStore struct {
	accounts     *AccountRepository
	pools        *PoolRepository
	transactions *TransactionRepository
}

func NewLedgerStore(accounts *AccountRepository, pools *PoolRepository, transactions *TransactionRepository) *LedgerStore {
	return &LedgerStore{
		accounts:     accounts,
		pools:        pools,
		transactions: transactions,
	}
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID int64) (*model.UserCreditAccount, error) {
	return s.accounts.GetByUserID(ctx, userID)
}

func (s *LedgerStore) CreateAccount(ctx context.Context, account *model.UserCreditAccount) error {
	return s.accounts.Create(ctx, account)
}

func (s *LedgerStore) ConsumeUser(ctx context.Context, userID, credits int64, entry *model.CreditTransaction) (int64, error) {
	return s.accounts.Consume(ctx, userID, credits, entry)
}

func (s *LedgerStore) RefundUser(ctx context.Context, userID int64, taskID string, credits int64, entry *model.CreditTransaction) (*model.CreditTransaction, bool, error) {
	return s.accounts.Refund(ctx, userID, taskID, credits, entry)
}

func (s *LedgerStore) ResetAccountIfDue(ctx context.Context, userID int64, tier string, allowance int64, monthStart, now time.Time) (bool, error) {
	return s.accounts.ResetIfDue(ctx, userID, tier, allowance, monthStart, now)
}

func (s *LedgerStore) ResetAccount(ctx context.Context, userID int64, tier string, allowance int64, now time.Time) (bool, error) {
	return s.accounts.Reset(ctx, userID, tier, allowance, now)
}

func (s *LedgerStore) ListAccountsAfter(ctx context.Context, afterUserID int64, limit int) ([]*model.UserCreditAccount, error) {
	return s.accounts.ListAfter(ctx, afterUserID, limit)
}

func (s *LedgerStore) GetPool(ctx context.Context, provider string) (*model.PlatformCreditPool, error) {
	return s.pools.GetByProvider(ctx, provider)
}

func (s *LedgerStore) ConsumePool(ctx context.Context, provider string, credits int64, entry *model.CreditTransaction) (int64, error) {
	return s.pools.Consume(ctx, provider, credits, entry)
}

func (s *LedgerStore) DeductionForTask(ctx context.Context, taskID string) (*model.CreditTransaction, error) {
	return s.transactions.DeductionForTask(ctx, taskID)
}

func (s *LedgerStore) ListTransactions(ctx context.Context, userID int64, limit int) ([]*model.CreditTransaction, error) {
	return s.transactions.ListByUser(ctx, userID, limit)
}
