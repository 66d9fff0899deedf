package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

// LedgerStore 账户与平台池的原子读写
type LedgerStore interface {
	GetAccount(ctx context.Context, userID int64) (*model.UserCreditAccount, error)
	CreateAccount(ctx context.Context, account *model.UserCreditAccount) error
	ConsumeUser(ctx context.Context, userID, credits int64, entry *model.CreditTransaction) (int64, error)
	RefundUser(ctx context.Context, userID int64, taskID string, credits int64, entry *model.CreditTransaction) (*model.CreditTransaction, bool, error)
	ResetAccountIfDue(ctx context.Context, userID int64, tier string, allowance int64, monthStart, now time.Time) (bool, error)
	ResetAccount(ctx context.Context, userID int64, tier string, allowance int64, now time.Time) (bool, error)
	ListAccountsAfter(ctx context.Context, afterUserID int64, limit int) ([]*model.UserCreditAccount, error)
	GetPool(ctx context.Context, provider string) (*model.PlatformCreditPool, error)
	ConsumePool(ctx context.Context, provider string, credits int64, entry *model.CreditTransaction) (int64, error)
	DeductionForTask(ctx context.Context, taskID string) (*model.CreditTransaction, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]*model.CreditTransaction, error)
}

// PoolStore 平台池充值与采购单
type PoolStore interface {
	GetByProvider(ctx context.Context, provider string) (*model.PlatformCreditPool, error)
	List(ctx context.Context) ([]*model.PlatformCreditPool, error)
	Credit(ctx context.Context, provider string, credits int64, now time.Time) (int64, error)
	PendingPurchase(ctx context.Context, provider string) (*model.PoolPurchaseRequest, error)
	CreatePurchase(ctx context.Context, req *model.PoolPurchaseRequest) error
	ApprovePurchase(ctx context.Context, id int64, now time.Time) (*model.PoolPurchaseRequest, error)
}

type TaskStore interface {
	Open(ctx context.Context, task *model.EnhancementTask) error
	GetByID(ctx context.Context, id string) (*model.EnhancementTask, error)
	Transition(ctx context.Context, id string, from, to model.TaskStatus, fields map[string]interface{}) error
	Settle(ctx context.Context, s *repository.TaskSettlement) error
}

type AuditSink interface {
	RecordRefund(ctx context.Context, record *model.RefundAuditRecord) error
}

type AlertStore interface {
	RaiseAlert(ctx context.Context, alert *model.PlatformAlert, event *model.OutboxEvent) error
	ListAlerts(ctx context.Context, severity string, page, pageSize int) ([]*model.PlatformAlert, int64, error)
}

// EventQueue 提交后把 outbox 事件 ID 推给 worker，失败由定时扫描兜底
type EventQueue interface {
	Enqueue(ctx context.Context, eventID string) error
}

// TierLookup 读取用户当前生效的订阅档位
type TierLookup interface {
	TierOf(ctx context.Context, userID int64) (string, error)
}

// ArtifactStorage 拉取服务商结果并转存，返回可长期访问的 URL
type ArtifactStorage interface {
	Persist(ctx context.Context, taskID, sourceURL string) (string, error)
}

// PurchaseOrder 一次平台池采购
type PurchaseOrder struct {
	Provider string
	Credits  int64
	CostUSD  decimal.Decimal
}

// ProviderBilling 向服务商直接付款采购积分，返回外部支付单号
type ProviderBilling interface {
	Purchase(ctx context.Context, order PurchaseOrder) (string, error)
}

// CapacityEnsurer 平台池不足时尝试补充
type CapacityEnsurer interface {
	EnsureCapacity(ctx context.Context, provider string, needed int64) error
}
