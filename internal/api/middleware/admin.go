package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminToken 运维接口校验固定令牌，未配置令牌时拒绝所有请求
func AdminToken(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			response.PermissionError(c, "")
			c.Abort()
			return
		}
		c.Next()
	}
}
