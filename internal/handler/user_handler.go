package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
)

// UserHandler 负责处理当前用户相关的 API 请求。
type UserHandler struct{}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

// ProfileResponse 定义了获取用户个人信息 API 的响应体结构。
type ProfileResponse struct {
	ID        uint             `json:"id"`
	Username  string           `json:"username"`
	Email     string           `json:"email"`
	Role      model.UserRole   `json:"role"`
	Status    model.UserStatus `json:"status"`
	Curator   bool             `json:"curator"`
	CreatedAt model.LocalTime  `json:"createdAt"`
}

// GetProfile 获取当前调用者的个人信息。
// 用户信息已经由 AuthMiddleware 注入到上下文中。
func (h *UserHandler) GetProfile(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		fail(c, apperr.Unauthorised.New("authentication required"))
		return
	}
	respond(c, http.StatusOK, ProfileResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		Status:    user.Status,
		Curator:   user.IsCurator(),
		CreatedAt: model.LocalTime(user.CreatedAt),
	}, "success")
}
