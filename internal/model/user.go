package model

import "time"

// UserStatus 是用户账号状态；只有 Active 用户可以执行变更。
type UserStatus string

const (
	UserNew      UserStatus = "NEW"
	UserVerified UserStatus = "VERIFIED"
	UserActive   UserStatus = "ACTIVE"
	UserFrozen   UserStatus = "FROZEN"
)

// UserRole 是用户角色。
type UserRole string

const (
	RoleSubmitter   UserRole = "SUBMITTER"
	RoleCurator     UserRole = "CURATOR"
	RoleReviewer    UserRole = "REVIEWER"
	RoleSystemAdmin UserRole = "SYSTEM_ADMIN"
	RoleAnonymous   UserRole = "ANONYMOUS"
)

// User 定义了 users 表的 ORM 模型。
type User struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Username       string     `gorm:"type:varchar(255);not null;uniqueIndex" json:"username"`
	Email          string     `gorm:"type:varchar(255)" json:"email"`
	Role           UserRole   `gorm:"type:varchar(16);not null" json:"role"`
	Status         UserStatus `gorm:"type:varchar(16);not null" json:"status"`
	APITokenPrefix string     `gorm:"type:varchar(16);index" json:"-"`
	APITokenHash   string     `gorm:"type:varchar(255)" json:"-"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// IsCurator 报告用户是否拥有管理员（curator 或系统管理员）权限。
func (u *User) IsCurator() bool {
	return u != nil && (u.Role == RoleCurator || u.Role == RoleSystemAdmin)
}

// IsSystemAdmin 报告用户是否为系统管理员。
func (u *User) IsSystemAdmin() bool {
	return u != nil && u.Role == RoleSystemAdmin
}

// IsActive 报告用户是否可以执行变更操作。
func (u *User) IsActive() bool {
	return u != nil && u.Status == UserActive
}
