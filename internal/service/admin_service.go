package service

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/hash"
	"study-lifecycle-go/pkg/log"
)

// UserListResponse 定义了用户列表 API 的响应结构。
type UserListResponse struct {
	Content       []UserDetailResponse `json:"content"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Size          int                  `json:"size"`
	Number        int                  `json:"number"`
}

// UserDetailResponse 定义了用户列表项的详细结构。
type UserDetailResponse struct {
	UserID    uint             `json:"userId"`
	Username  string           `json:"username"`
	Email     string           `json:"email"`
	Role      model.UserRole   `json:"role"`
	Status    model.UserStatus `json:"status"`
	HasToken  bool             `json:"hasApiToken"`
	CreatedAt model.LocalTime  `json:"createdAt"`
}

// AdminService 接口定义了 curator 对用户账号的管理操作。
type AdminService interface {
	CreateUser(username, email string, role model.UserRole) (*model.User, error)
	ListUsers(page, size int) (*UserListResponse, error)
	SetStatus(userID uint, status model.UserStatus) (*model.User, error)
	SetRole(userID uint, role model.UserRole) (*model.User, error)
	// IssueAPIToken 生成新的 API token，明文只在此处返回一次，数据库中只保存前缀和哈希。
	IssueAPIToken(userID uint) (string, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	userRepo repository.UserRepository
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository) AdminService {
	return &adminService{userRepo: userRepo}
}

func (s *adminService) CreateUser(username, email string, role model.UserRole) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.InvalidInput.New("username is required")
	}
	if !validRole(role) {
		return nil, apperr.InvalidInput.New("unknown role %q", role)
	}
	// 检查用户名是否已存在
	_, err := s.userRepo.FindByUsername(username)
	if err == nil {
		return nil, apperr.Conflict.New("用户名已存在: %s", username)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.DB.Wrap(err)
	}
	user := &model.User{Username: username, Email: email, Role: role, Status: model.UserNew}
	if err := s.userRepo.Create(user); err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	log.Infof("[AdminService] 创建用户 %s, role=%s", username, role)
	return user, nil
}

// ListUsers 以分页的形式返回用户列表
func (s *adminService) ListUsers(page, size int) (*UserListResponse, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size
	users, total, err := s.userRepo.FindWithPagination(offset, size)
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}

	userResponses := make([]UserDetailResponse, 0, len(users))
	for _, u := range users {
		userResponses = append(userResponses, UserDetailResponse{
			UserID:    u.ID,
			Username:  u.Username,
			Email:     u.Email,
			Role:      u.Role,
			Status:    u.Status,
			HasToken:  u.APITokenHash != "",
			CreatedAt: model.LocalTime(u.CreatedAt),
		})
	}

	totalPages := 0
	if total > 0 {
		totalPages = (int(total) + size - 1) / size
	}
	return &UserListResponse{
		Content:       userResponses,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          size,
		Number:        page,
	}, nil
}

func (s *adminService) SetStatus(userID uint, status model.UserStatus) (*model.User, error) {
	switch status {
	case model.UserNew, model.UserVerified, model.UserActive, model.UserFrozen:
	default:
		return nil, apperr.InvalidInput.New("unknown user status %q", status)
	}
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, apperr.FromDB(err, "user %d not found", userID)
	}
	user.Status = status
	if err := s.userRepo.Update(user); err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	log.Infof("[AdminService] 用户 %s 状态变更为 %s", user.Username, status)
	return user, nil
}

func (s *adminService) SetRole(userID uint, role model.UserRole) (*model.User, error) {
	if !validRole(role) {
		return nil, apperr.InvalidInput.New("unknown role %q", role)
	}
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, apperr.FromDB(err, "user %d not found", userID)
	}
	user.Role = role
	if err := s.userRepo.Update(user); err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	log.Infof("[AdminService] 用户 %s 角色变更为 %s", user.Username, role)
	return user, nil
}

func (s *adminService) IssueAPIToken(userID uint) (string, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return "", apperr.FromDB(err, "user %d not found", userID)
	}
	plain, prefix, hashed, err := hash.NewAPIToken()
	if err != nil {
		return "", err
	}
	user.APITokenPrefix = prefix
	user.APITokenHash = hashed
	if err := s.userRepo.Update(user); err != nil {
		return "", apperr.DB.Wrap(err)
	}
	log.Infof("[AdminService] 为用户 %s 签发了新的 API token", user.Username)
	return plain, nil
}

func validRole(role model.UserRole) bool {
	switch role {
	case model.RoleSubmitter, model.RoleCurator, model.RoleReviewer, model.RoleSystemAdmin:
		return true
	}
	return false
}
