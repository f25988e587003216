package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/pkg/apperr"
)

// CuratorAuthMiddleware 只放行处于 Active 状态的策展人。
// 此中间件必须在 AuthMiddleware 之后使用。
func CuratorAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"content": nil, "message": "需要登录", "error": string(apperr.Unauthorised),
			})
			return
		}

		if !user.IsCurator() || !user.IsActive() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"content": nil, "message": "权限不足，需要策展人权限", "error": string(apperr.Forbidden),
			})
			return
		}

		c.Next()
	}
}

// AdminAuthMiddleware 只放行处于 Active 状态的系统管理员，用于用户管理接口。
// 此中间件必须在 AuthMiddleware 之后使用。
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"content": nil, "message": "需要登录", "error": string(apperr.Unauthorised),
			})
			return
		}

		if !user.IsSystemAdmin() || !user.IsActive() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"content": nil, "message": "权限不足，需要系统管理员权限", "error": string(apperr.Forbidden),
			})
			return
		}

		c.Next()
	}
}
