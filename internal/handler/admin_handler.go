package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// AdminHandler 负责处理策展人对用户账号的管理请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// CreateUserRequest 定义了创建用户 API 的请求体结构。
type CreateUserRequest struct {
	Username string         `json:"username" binding:"required"`
	Email    string         `json:"email"`
	Role     model.UserRole `json:"role" binding:"required"`
}

// CreateUser 处理创建用户的请求。新用户处于 NEW 状态，需要激活后才能执行变更。
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput.New("invalid request payload: %v", err))
		return
	}
	user, err := h.adminService.CreateUser(req.Username, req.Email, req.Role)
	if err != nil {
		fail(c, err)
		return
	}
	log.Infof("[AdminHandler] 策展人 %s 创建了用户 %s", middleware.CurrentUser(c).Username, user.Username)
	respond(c, http.StatusCreated, user, "user created")
}

// ListUsers 处理分页获取用户列表的请求。
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))

	userList, err := h.adminService.ListUsers(page, size)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, userList, "success")
}

// SetStatusRequest 定义了修改用户状态的请求体结构。
type SetStatusRequest struct {
	Status model.UserStatus `json:"status" binding:"required"`
}

// SetStatus 处理 PUT /admin/users/:user_id/status。
func (h *AdminHandler) SetStatus(c *gin.Context) {
	userID, err := intParam(c, "user_id")
	if err != nil {
		fail(c, err)
		return
	}
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput.New("invalid request payload: %v", err))
		return
	}
	user, err := h.adminService.SetStatus(uint(userID), req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, user, "user status updated")
}

// SetRoleRequest 定义了修改用户角色的请求体结构。
type SetRoleRequest struct {
	Role model.UserRole `json:"role" binding:"required"`
}

// SetRole 处理 PUT /admin/users/:user_id/role。
func (h *AdminHandler) SetRole(c *gin.Context) {
	userID, err := intParam(c, "user_id")
	if err != nil {
		fail(c, err)
		return
	}
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput.New("invalid request payload: %v", err))
		return
	}
	user, err := h.adminService.SetRole(uint(userID), req.Role)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, user, "user role updated")
}

// IssueAPIToken 处理 POST /admin/users/:user_id/token。明文 token 只在这个响应中出现一次。
func (h *AdminHandler) IssueAPIToken(c *gin.Context) {
	userID, err := intParam(c, "user_id")
	if err != nil {
		fail(c, err)
		return
	}
	plain, err := h.adminService.IssueAPIToken(uint(userID))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"apiToken": plain}, "api token issued")
}
