package service

import (
	"github.com/qs3c/credit_ledger_server/internal/model"
)

// Verdict 一次失败的处理结论
type Verdict struct {
	ShouldRefund      bool    `json:"should_refund"`
	RefundPercentage  int     `json:"refund_percentage"`
	PlatformLossUnits float64 `json:"platform_loss_units"`
	Reason            string  `json:"reason"`
}

var categoryReasons = map[model.ErrorCategory]string{
	model.CategoryContentPolicy:    "content rejected by provider policy",
	model.CategoryInternalError:    "provider internal error",
	model.CategoryGenerationFailed: "provider could not generate a result",
	model.CategoryStorageWrite:     "result could not be stored",
	model.CategoryUnknown:          "unrecognized provider failure",
}

// RefundPolicy 失败分类到退款结论的纯函数映射。
// 用户总是全额退款，平台池积分不退，按固定单位记业务损失
type RefundPolicy struct {
	lossUnits float64
}

func NewRefundPolicy(lossUnits float64) *RefundPolicy {
	return &RefundPolicy{lossUnits: lossUnits}
}

func (p *RefundPolicy) Decide(category model.ErrorCategory) Verdict {
	reason, ok := categoryReasons[category]
	if !ok {
		reason = categoryReasons[model.CategoryUnknown]
	}
	return Verdict{
		ShouldRefund:      true,
		RefundPercentage:  100,
		PlatformLossUnits: p.lossUnits,
		Reason:            reason,
	}
}

// Severity 平台侧故障需要人工关注
func (p *RefundPolicy) Severity(category model.ErrorCategory) model.AlertSeverity {
	switch category {
	case model.CategoryInternalError, model.CategoryStorageWrite:
		return model.SeverityHigh
	case model.CategoryUnknown:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}
