package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

const maxCallbackBytes = 1 << 20

// CallbackHandler 处理服务商回调，由 service.SettlementService 实现
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb service.Callback) service.Ack
}

// SignatureVerifier 回调签名校验，由 webhook.Verifier 实现
type SignatureVerifier interface {
	Enabled() bool
	Verify(payload []byte, headers http.Header) error
}

type WebhookHandler struct {
	settlement CallbackHandler
	verifier   SignatureVerifier
	logger     *slog.Logger
}

func NewWebhookHandler(settlement CallbackHandler, verifier SignatureVerifier) *WebhookHandler {
	return &WebhookHandler{
		settlement: settlement,
		verifier:   verifier,
		logger:     slog.Default().With("component", "webhook"),
	}
}

// Provider 服务商结果回调
// POST /api/v1/webhooks/provider
//
// 签名通过后一律返回 200，处理失败只体现在 outcome 里，避免服务商重试风暴
func (h *WebhookHandler) Provider(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Warn("read callback body failed", "error", err)
		h.ack(c, service.Ack{Received: true, Outcome: service.OutcomeError})
		return
	}

	if h.verifier != nil && h.verifier.Enabled() {
		if err := h.verifier.Verify(payload, c.Request.Header); err != nil {
			h.logger.Warn("callback signature rejected", "error", err)
			c.JSON(http.StatusUnauthorized, response.Response{
				Code:    response.CodeAuthFailed,
				Message: "签名校验失败",
			})
			return
		}
	}

	var cb service.Callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		h.logger.Warn("malformed callback payload", "error", err)
		h.ack(c, service.Ack{Received: true, Outcome: service.OutcomeError})
		return
	}

	h.ack(c, h.settlement.HandleCallback(c.Request.Context(), cb))
}

func (h *WebhookHandler) ack(c *gin.Context, ack service.Ack) {
	c.JSON(http.StatusOK, gin.H{
		"code":     response.CodeSuccess,
		"received": ack.Received,
		"task_id":  ack.TaskID,
		"outcome":  ack.Outcome,
	})
}
