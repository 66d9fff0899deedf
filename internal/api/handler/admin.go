package handler

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

type AdminHandler struct {
	alerts *service.AlertService
	refill *service.RefillService
	ledger *service.LedgerService
}

func NewAdminHandler(alerts *service.AlertService, refill *service.RefillService, ledger *service.LedgerService) *AdminHandler {
	return &AdminHandler{
		alerts: alerts,
		refill: refill,
		ledger: ledger,
	}
}

// Alerts 告警列表
// GET /api/v1/admin/alerts?severity=high&page=1&page_size=20
func (h *AdminHandler) Alerts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := h.alerts.List(c.Request.Context(), c.Query("severity"), page, pageSize)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.SuccessPage(c, total, page, pageSize, items)
}

// ApprovePurchase 人工审批平台池采购单
// POST /api/v1/admin/pool/purchases/:id/approve
func (h *AdminHandler) ApprovePurchase(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "无效的采购单 ID")
		return
	}

	req, err := h.refill.ApprovePurchase(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPurchaseProcessed):
			response.DuplicateError(c, "采购单已处理")
		case errors.Is(err, gorm.ErrRecordNotFound):
			response.NotFoundError(c, "采购单不存在")
		default:
			slog.Error("approve purchase failed", "purchase_id", id, "error", err)
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, req)
}

// ResetCredits 手动触发月度重置
// POST /api/v1/admin/credits/reset
func (h *AdminHandler) ResetCredits(c *gin.Context) {
	n, err := h.ledger.ResetMonthly(c.Request.Context())
	if err != nil {
		response.ServerError(c, "重置失败")
		return
	}

	response.Success(c, gin.H{"accounts_reset": n})
}
