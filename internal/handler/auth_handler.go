package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// AuthHandler 负责签发短期签名 token。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// IssueToken 处理 POST /auth/token：调用者用 API token 认证后换取一个短期签名 token。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		fail(c, apperr.Unauthorised.New("authentication required"))
		return
	}
	signed, err := h.userService.IssueSignedToken(user)
	if err != nil {
		fail(c, err)
		return
	}
	log.Infof("[AuthHandler] 为用户 %s 签发了签名 token", user.Username)
	respond(c, http.StatusOK, gin.H{"token": signed}, "token issued")
}
