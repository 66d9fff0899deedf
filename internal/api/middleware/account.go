package middleware

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

const AccountKey = "creditAccount"

// AccountLoader 读取（必要时创建并惰性重置）积分账户
type AccountLoader interface {
	GetAccount(ctx context.Context, userID int64) (*model.UserCreditAccount, error)
}

// LoadAccount 把当前用户的积分账户放入上下文，账户跨月时在这里完成重置
func LoadAccount(loader AccountLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			response.AuthError(c, "")
			c.Abort()
			return
		}

		account, err := loader.GetAccount(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				response.ParamError(c, "")
			} else {
				response.ServerError(c, "积分账户加载失败")
			}
			c.Abort()
			return
		}

		c.Set(AccountKey, account)
		c.Next()
	}
}

// GetAccount 从上下文获取 LoadAccount 放入的账户
func GetAccount(c *gin.Context) (*model.UserCreditAccount, bool) {
	v, exists := c.Get(AccountKey)
	if !exists {
		return nil, false
	}
	account, ok := v.(*model.UserCreditAccount)
	return account, ok
}
