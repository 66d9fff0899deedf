package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

// memStore 内存版存储，满足 LedgerStore、PoolStore、TaskStore、AuditSink、AlertStore
type memStore struct {
	mu        sync.Mutex
	accounts  map[int64]*model.UserCreditAccount
	pools     map[string]*model.PlatformCreditPool
	purchases map[int64]*model.PoolPurchaseRequest
	txs       map[string]*model.CreditTransaction
	tasks     map[string]*model.EnhancementTask
	audits    map[string]*model.RefundAuditRecord
	alerts    []*model.PlatformAlert
	events    []*model.OutboxEvent
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  make(map[int64]*model.UserCreditAccount),
		pools:     make(map[string]*model.PlatformCreditPool),
		purchases: make(map[int64]*model.PoolPurchaseRequest),
		txs:       make(map[string]*model.CreditTransaction),
		tasks:     make(map[string]*model.EnhancementTask),
		audits:    make(map[string]*model.RefundAuditRecord),
	}
}

func (m *memStore) putAccount(a *model.UserCreditAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.LastResetAt.IsZero() {
		a.LastResetAt = time.Now().UTC()
	}
	cp := *a
	m.accounts[a.UserID] = &cp
}

func (m *memStore) putPool(p *model.PlatformCreditPool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = model.PoolStatusActive
	}
	cp := *p
	m.pools[p.Provider] = &cp
}

func (m *memStore) account(userID int64) model.UserCreditAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accounts[userID]
}

func (m *memStore) pool(provider string) model.PlatformCreditPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.pools[provider]
}

func (m *memStore) task(id string) model.EnhancementTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

func (m *memStore) txsOfType(t model.TransactionType) []*model.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CreditTransaction
	for _, tx := range m.txs {
		if tx.Type == t {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStore) alertsOf(category string) []*model.PlatformAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PlatformAlert
	for _, a := range m.alerts {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) eventsOf(kind string) []*model.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboxEvent
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audits)
}

// LedgerStore

func (m *memStore) GetAccount(_ context.Context, userID int64) (*model.UserCreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) CreateAccount(_ context.Context, account *model.UserCreditAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.UserID]; ok {
		return gorm.ErrDuplicatedKey
	}
	cp := *account
	m.accounts[account.UserID] = &cp
	return nil
}

func (m *memStore) ConsumeUser(_ context.Context, userID, credits int64, entry *model.CreditTransaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok || a.CurrentBalance < credits {
		return 0, repository.ErrInsufficientBalance
	}
	a.CurrentBalance -= credits
	a.ConsumedThisMonth += credits
	a.LifetimeConsumed += credits
	entry.BalanceAfter = a.CurrentBalance
	cp := *entry
	m.txs[entry.ID] = &cp
	return a.CurrentBalance, nil
}

func (m *memStore) RefundUser(_ context.Context, userID int64, taskID string, credits int64, entry *model.CreditTransaction) (*model.CreditTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.Type == model.TxRefund && tx.TaskID != nil && *tx.TaskID == taskID {
			cp := *tx
			return &cp, false, nil
		}
	}
	a, ok := m.accounts[userID]
	if !ok {
		return nil, false, gorm.ErrRecordNotFound
	}
	a.CurrentBalance += credits
	a.ConsumedThisMonth -= credits
	if a.ConsumedThisMonth < 0 {
		a.ConsumedThisMonth = 0
	}
	entry.TaskID = &taskID
	entry.BalanceAfter = a.CurrentBalance
	cp := *entry
	m.txs[entry.ID] = &cp
	return entry, true, nil
}

func (m *memStore) ResetAccountIfDue(_ context.Context, userID int64, tier string, allowance int64, monthStart, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok || !a.LastResetAt.Before(monthStart) {
		return false, nil
	}
	a.SubscriptionTier = tier
	a.MonthlyAllowance = allowance
	a.CurrentBalance = allowance
	a.ConsumedThisMonth = 0
	a.LastResetAt = now
	return true, nil
}

func (m *memStore) ResetAccount(_ context.Context, userID int64, tier string, allowance int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return false, nil
	}
	a.SubscriptionTier = tier
	a.MonthlyAllowance = allowance
	a.CurrentBalance = allowance
	a.ConsumedThisMonth = 0
	a.LastResetAt = now
	return true, nil
}

func (m *memStore) ListAccountsAfter(_ context.Context, afterUserID int64, limit int) ([]*model.UserCreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.UserCreditAccount
	for id, a := range m.accounts {
		if id > afterUserID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetPool(ctx context.Context, provider string) (*model.PlatformCreditPool, error) {
	return m.GetByProvider(ctx, provider)
}

func (m *memStore) ConsumePool(_ context.Context, provider string, credits int64, entry *model.CreditTransaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[provider]
	if !ok || !p.Active() || p.AvailableBalance < credits {
		return 0, repository.ErrInsufficientBalance
	}
	p.AvailableBalance -= credits
	entry.BalanceAfter = p.AvailableBalance
	cp := *entry
	m.txs[entry.ID] = &cp
	return p.AvailableBalance, nil
}

func (m *memStore) DeductionForTask(_ context.Context, taskID string) (*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.Type.IsDeduction() && tx.TaskID != nil && *tx.TaskID == taskID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) ListTransactions(_ context.Context, userID int64, limit int) ([]*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CreditTransaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PoolStore

func (m *memStore) GetByProvider(_ context.Context, provider string) (*model.PlatformCreditPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[provider]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) List(_ context.Context) ([]*model.PlatformCreditPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PlatformCreditPool
	for _, p := range m.pools {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Credit(_ context.Context, provider string, credits int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[provider]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	p.TotalPurchased += credits
	p.AvailableBalance += credits
	p.LastRefillAt = &now
	return p.AvailableBalance, nil
}

func (m *memStore) PendingPurchase(_ context.Context, provider string) (*model.PoolPurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.purchases {
		if r.Provider == provider && r.Status == model.PurchaseStatusPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) CreatePurchase(_ context.Context, req *model.PoolPurchaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	req.ID = m.nextID
	cp := *req
	m.purchases[req.ID] = &cp
	return nil
}

func (m *memStore) ApprovePurchase(_ context.Context, id int64, now time.Time) (*model.PoolPurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.purchases[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if r.Status != model.PurchaseStatusPending {
		return nil, repository.ErrStaleState
	}
	p, ok := m.pools[r.Provider]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	r.Status = model.PurchaseStatusApproved
	r.ApprovedAt = &now
	p.TotalPurchased += r.Credits
	p.AvailableBalance += r.Credits
	cp := *r
	return &cp, nil
}

// TaskStore

func (m *memStore) Open(_ context.Context, task *model.EnhancementTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[task.TransactionID]
	if !ok || tx.UserID != task.UserID || tx.TaskID != nil || !tx.Type.IsDeduction() {
		return repository.ErrStaleState
	}
	if _, ok := m.tasks[task.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	id := task.ID
	tx.TaskID = &id
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*model.EnhancementTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) Transition(_ context.Context, id string, from, to model.TaskStatus, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return repository.ErrStaleState
	}
	t.Status = to
	now := time.Now()
	t.StartedAt = &now
	return nil
}

func (m *memStore) Settle(_ context.Context, s *repository.TaskSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[s.TaskID]
	if !ok || t.Status != s.From {
		return repository.ErrStaleState
	}
	at := s.At
	t.Status = s.To
	if s.From == model.TaskPending {
		t.StartedAt = &at
	}
	if s.To == model.TaskSucceeded {
		t.CompletedAt = &at
		t.ResultURL = s.ResultURL
	} else {
		t.FailedAt = &at
		t.ErrorCategory = s.Category
		t.ErrorMessage = s.Message
		t.PlatformLossUnits = s.LossUnits
	}
	for _, tx := range m.txs {
		if tx.Type.IsDeduction() && tx.TaskID != nil && *tx.TaskID == s.TaskID {
			tx.Status = s.DeductionStatus
		}
	}
	m.events = append(m.events, s.Events...)
	return nil
}

// AuditSink / AlertStore

func (m *memStore) RecordRefund(_ context.Context, record *model.RefundAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.audits[record.TaskID]; ok {
		return nil
	}
	cp := *record
	m.audits[record.TaskID] = &cp
	return nil
}

func (m *memStore) RaiseAlert(_ context.Context, alert *model.PlatformAlert, event *model.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	if event != nil {
		m.events = append(m.events, event)
	}
	return nil
}

func (m *memStore) ListAlerts(_ context.Context, severity string, _, _ int) ([]*model.PlatformAlert, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PlatformAlert
	for _, a := range m.alerts {
		if severity == "" || string(a.Severity) == severity {
			out = append(out, a)
		}
	}
	return out, int64(len(out)), nil
}

type fakeTiers map[int64]string

func (f fakeTiers) TierOf(_ context.Context, userID int64) (string, error) {
	if tier, ok := f[userID]; ok {
		return tier, nil
	}
	return "free", nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, eventID)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

type fakeStorage struct {
	url       string
	err       error
	onPersist func()
}

func (f *fakeStorage) Persist(ctx context.Context, taskID, _ string) (string, error) {
	if f.onPersist != nil {
		f.onPersist()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	return f.url + "/" + taskID + ".png", nil
}

type fakeBilling struct {
	calls  atomic.Int32
	delay  time.Duration
	err    error
	orders []PurchaseOrder
	mu     sync.Mutex
}

func (b *fakeBilling) Purchase(_ context.Context, order PurchaseOrder) (string, error) {
	b.calls.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	b.orders = append(b.orders, order)
	b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	return "pi_test", nil
}

var errBillingDown = errors.New("billing unavailable")

func testConfig() *config.Config {
	return &config.Config{
		Subscription: config.SubscriptionConfig{
			Levels: map[string]config.SubscriptionLevel{
				"free":  {MonthlyAllowance: 5, PlatformEligible: false},
				"basic": {MonthlyAllowance: 50, PlatformEligible: true},
				"pro":   {MonthlyAllowance: 200, PlatformEligible: true},
			},
		},
		Pool:     config.PoolConfig{Provider: "enhancer"},
		Provider: config.ProviderConfig{Name: "enhancer", StatusCodes: config.ProviderCodeTable{Success: 0, ContentPolicy: 1, InternalError: 2, GenerationFailed: 3}},
		Billing:  config.BillingConfig{Timeout: time.Second},
		Settlement: config.SettlementConfig{
			FetchTimeout:      time.Second,
			PlatformLossUnits: 1,
		},
	}
}

func testPool(available int64) *model.PlatformCreditPool {
	return &model.PlatformCreditPool{
		Provider:            "enhancer",
		TotalPurchased:      available,
		AvailableBalance:    available,
		CostPerCredit:       decimal.RequireFromString("0.04"),
		AutoRefillThreshold: 10,
		AutoRefillAmount:    100,
		Status:              model.PoolStatusActive,
	}
}

// testEnv 组装一套基于内存存储的服务
type testEnv struct {
	store      *memStore
	queue      *fakeQueue
	billing    *fakeBilling
	storage    *fakeStorage
	alerts     *AlertService
	refill     *RefillService
	ledger     *LedgerService
	settlement *SettlementService
}

func newTestEnv(tiers fakeTiers, withBilling bool) *testEnv {
	cfg := testConfig()
	env := &testEnv{
		store:   newMemStore(),
		queue:   &fakeQueue{},
		storage: &fakeStorage{url: "https://cdn.example.com/enhanced"},
	}

	var billing ProviderBilling
	if withBilling {
		env.billing = &fakeBilling{}
		billing = env.billing
	}

	env.alerts = NewAlertService(env.store, env.queue)
	env.refill = NewRefillService(env.store, billing, env.alerts, cfg)
	env.ledger = NewLedgerService(env.store, tiers, env.refill, cfg)
	env.settlement = NewSettlementService(env.store, env.ledger, env.store, env.alerts, env.storage,
		env.queue, NewRefundPolicy(cfg.Settlement.PlatformLossUnits), cfg)
	return env
}
