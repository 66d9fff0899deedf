package handler

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger_server/internal/api/middleware"
	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

type ReserveRequest struct {
	Credits int64  `json:"credits" binding:"required,min=1"`
	Purpose string `json:"purpose" binding:"required,max=100"`
}

type CreditsHandler struct {
	ledger *service.LedgerService
}

func NewCreditsHandler(ledger *service.LedgerService) *CreditsHandler {
	return &CreditsHandler{
		ledger: ledger,
	}
}

// Reserve 派发任务前预占积分
// POST /api/v1/credits/reserve
func (h *CreditsHandler) Reserve(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	result, err := h.ledger.ReserveAndConsume(c.Request.Context(), userID, req.Credits, req.Purpose)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrInsufficientCredits):
			response.QuotaError(c, "")
		case errors.Is(err, service.ErrPlatformPoolDepleted):
			response.PoolDepletedError(c, "")
		default:
			slog.Error("reserve credits failed", "user_id", userID, "credits", req.Credits, "error", err)
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, result)
}

// Balance 当前用户积分账户，账户由 middleware.LoadAccount 加载
// GET /api/v1/credits/balance
func (h *CreditsHandler) Balance(c *gin.Context) {
	account, ok := middleware.GetAccount(c)
	if !ok {
		response.ServerError(c, "")
		return
	}

	response.Success(c, account)
}

// History 最近的积分流水
// GET /api/v1/credits/history?limit=20
func (h *CreditsHandler) History(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		response.ParamError(c, "limit 必须是整数")
		return
	}

	items, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, items)
}
