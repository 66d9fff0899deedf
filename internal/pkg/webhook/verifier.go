package webhook

import (
	"errors"
	"fmt"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier 校验服务商回调签名（svix 格式）。未配置密钥时不校验
type Verifier struct {
	wh *svix.Webhook
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return &Verifier{}, nil
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webhook verifier: %w", err)
	}
	return &Verifier{wh: wh}, nil
}

func (v *Verifier) Enabled() bool {
	return v != nil && v.wh != nil
}

func (v *Verifier) Verify(payload []byte, headers http.Header) error {
	if !v.Enabled() {
		return nil
	}
	if err := v.wh.Verify(payload, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
