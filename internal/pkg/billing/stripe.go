package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/qs3c/credit_ledger_server/config"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

var ErrPaymentNotCompleted = errors.New("payment intent not completed")

// StripeBilling 用平台保存的支付方式直接向 Stripe 扣款采购服务商积分
type StripeBilling struct {
	customer      string
	paymentMethod string
	currency      string
}

func NewStripeBilling(cfg config.BillingConfig) (*StripeBilling, error) {
	if cfg.StripeSecretKey == "" || cfg.StripeCustomer == "" || cfg.PaymentMethod == "" {
		return nil, fmt.Errorf("stripe billing requires secret key, customer and payment method")
	}
	stripe.Key = cfg.StripeSecretKey

	currency := cfg.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeBilling{
		customer:      cfg.StripeCustomer,
		paymentMethod: cfg.PaymentMethod,
		currency:      currency,
	}, nil
}

// Purchase 创建并确认 PaymentIntent，成功时返回 PaymentIntent ID
func (b *StripeBilling) Purchase(ctx context.Context, order service.PurchaseOrder) (string, error) {
	amount := AmountInCents(order.CostUSD)
	if amount <= 0 {
		return "", fmt.Errorf("invalid purchase amount %s", order.CostUSD.String())
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(b.currency),
		Customer:      stripe.String(b.customer),
		PaymentMethod: stripe.String(b.paymentMethod),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("%d credits for %s", order.Credits, order.Provider)),
	}
	params.Context = ctx
	params.AddMetadata("provider", order.Provider)
	params.AddMetadata("credits", fmt.Sprintf("%d", order.Credits))

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return pi.ID, fmt.Errorf("%w: %s is %s", ErrPaymentNotCompleted, pi.ID, pi.Status)
	}
	return pi.ID, nil
}

// AmountInCents 美元金额换算为最小货币单位，不足一分向上取整
func AmountInCents(usd decimal.Decimal) int64 {
	return usd.Mul(decimal.NewFromInt(100)).Ceil().IntPart()
}
