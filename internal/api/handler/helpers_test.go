package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/api/middleware"
	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
	"github.com/qs3c/credit_ledger_server/internal/repository"
	"github.com/qs3c/credit_ledger_server/internal/service"
	"github.com/qs3c/credit_ledger_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuth 模拟认证中间件
func mockAuth(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func doJSON(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func dataMap(t *testing.T, resp response.Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

type stubStorage struct {
	err error
}

func (s *stubStorage) Persist(ctx context.Context, taskID, sourceURL string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.example.com/enhanced/" + taskID + ".png", nil
}

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{Secret: "handler-test-secret", ExpireHours: 1},
		Subscription: config.SubscriptionConfig{
			Levels: map[string]config.SubscriptionLevel{
				"free":  {MonthlyAllowance: 5},
				"basic": {MonthlyAllowance: 50, PlatformEligible: true},
			},
		},
		Pool:     config.PoolConfig{Provider: "enhancer"},
		Provider: config.ProviderConfig{Name: "enhancer", StatusCodes: config.ProviderCodeTable{Success: 0, ContentPolicy: 1, InternalError: 2, GenerationFailed: 3}},
		Billing:  config.BillingConfig{Mode: "manual", Timeout: time.Second},
		Settlement: config.SettlementConfig{
			FetchTimeout:      time.Second,
			PlatformLossUnits: 1,
		},
		Admin: config.AdminConfig{Token: "admin-token"},
	}
}

// handlerEnv 基于 SQLite 的真实仓储与服务，平台池只能走人工审批
type handlerEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	storage    *stubStorage
	alerts     *service.AlertService
	refill     *service.RefillService
	ledger     *service.LedgerService
	settlement *service.SettlementService
}

func setupHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := testConfig()
	pools := repository.NewPoolRepository(db)
	audit := repository.NewAuditRepository(db)
	store := repository.NewLedgerStore(repository.NewAccountRepository(db), pools, repository.NewTransactionRepository(db))

	env := &handlerEnv{db: db, cfg: cfg, storage: &stubStorage{}}
	env.alerts = service.NewAlertService(audit, nil)
	env.refill = service.NewRefillService(pools, nil, env.alerts, cfg)
	env.ledger = service.NewLedgerService(store, repository.NewUserRepository(db), env.refill, cfg)
	env.settlement = service.NewSettlementService(
		repository.NewTaskRepository(db), env.ledger, audit, env.alerts, env.storage, nil,
		service.NewRefundPolicy(cfg.Settlement.PlatformLossUnits), cfg,
	)
	return env
}
