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
	"study-lifecycle-go/pkg/token"
)

// UserService 接口定义了调用者身份解析相关的业务操作。
type UserService interface {
	// Authenticate 解析 API token 或短期签名 token，返回对应的用户。
	Authenticate(credential string) (*model.User, error)
	GetProfile(username string) (*model.User, error)
	// IssueSignedToken 为用户签发一个短期签名 token。
	IssueSignedToken(user *model.User) (string, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
	}
}

// Authenticate 先按 API token 前缀查找并校验 bcrypt 哈希；不匹配时再尝试作为 JWT 校验。
func (s *userService) Authenticate(credential string) (*model.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, apperr.Unauthorised.New("missing token")
	}

	// 1. API token
	if prefix := hash.TokenPrefix(credential); prefix != "" && !strings.Contains(credential, ".") {
		candidates, err := s.userRepo.FindByAPITokenPrefix(prefix)
		if err != nil {
			return nil, apperr.DB.Wrap(err)
		}
		for i := range candidates {
			if hash.CheckPasswordHash(credential, candidates[i].APITokenHash) {
				return &candidates[i], nil
			}
		}
		return nil, apperr.Unauthorised.New("invalid api token")
	}

	// 2. 短期签名 token
	if s.jwtManager == nil {
		return nil, apperr.Unauthorised.New("signed tokens are not accepted")
	}
	claims, err := s.jwtManager.VerifyToken(credential)
	if err != nil {
		log.Warnf("[UserService] 签名 token 校验失败: %v", err)
		return nil, apperr.Unauthorised.New("invalid or expired token")
	}
	user, err := s.userRepo.FindByID(claims.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unauthorised.New("token user %d no longer exists", claims.UserID)
		}
		return nil, apperr.DB.Wrap(err)
	}
	return user, nil
}

// GetProfile 根据用户名获取用户详细信息。
func (s *userService) GetProfile(username string) (*model.User, error) {
	user, err := s.userRepo.FindByUsername(username)
	if err != nil {
		return nil, apperr.FromDB(err, "user %s not found", username)
	}
	return user, nil
}

func (s *userService) IssueSignedToken(user *model.User) (string, error) {
	if s.jwtManager == nil {
		return "", apperr.InvalidInput.New("signed tokens are not configured")
	}
	return s.jwtManager.GenerateToken(user.ID, user.Username, string(user.Role))
}
