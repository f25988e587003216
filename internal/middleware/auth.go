// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// APITokenHeader 是携带 API token 的请求头。
const APITokenHeader = "user-token"

// ContextUserKey 是上下文中保存调用者的键。
const ContextUserKey = "user"

// AuthMiddleware 创建一个 Gin 中间件，用于解析调用者身份。
// 优先读取 user-token 请求头中的 API token，其次读取 "Bearer <token>" 形式的短期签名 token。
// 请求未携带任何凭证时按匿名调用处理，是否允许由权限计算决定；携带了无效凭证时直接返回 401。
func AuthMiddleware(userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := strings.TrimSpace(c.GetHeader(APITokenHeader))
		if credential == "" {
			authHeader := c.GetHeader("Authorization")
			const bearerPrefix = "Bearer "
			if authHeader != "" && !strings.HasPrefix(authHeader, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"content": nil, "message": "无效的授权头格式", "error": string(apperr.Unauthorised),
				})
				return
			}
			credential = strings.TrimPrefix(authHeader, bearerPrefix)
		}
		if credential == "" {
			c.Next()
			return
		}

		user, err := userService.Authenticate(credential)
		if err != nil {
			log.Warnf("[Auth] 凭证校验失败: path=%s, err=%v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"content": nil, "message": "无效或已过期的 token", "error": string(apperr.Unauthorised),
			})
			return
		}

		// 将完整的 User 对象存储在 context 中，供后续处理函数使用
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// CurrentUser 返回 AuthMiddleware 解析出的调用者；匿名调用返回 nil。
func CurrentUser(c *gin.Context) *model.User {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	user, _ := value.(*model.User)
	return user
}
