// Package hash 提供 API token 的生成与 bcrypt 哈希校验。
package hash

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PrefixLength 是 API token 中以明文存储、用于定位用户的前缀长度。
const PrefixLength = 8

// HashPassword 使用 bcrypt 对明文进行哈希。
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash 校验明文与哈希是否匹配。
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewAPIToken 生成一个新的 API token，返回明文、前缀和哈希。
func NewAPIToken() (plain, prefix, hashed string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("生成 API token 失败: %w", err)
	}
	plain = hex.EncodeToString(buf)
	hashed, err = HashPassword(plain)
	if err != nil {
		return "", "", "", err
	}
	return plain, plain[:PrefixLength], hashed, nil
}

// TokenPrefix 返回 token 的查找前缀；过短的 token 返回空串。
func TokenPrefix(token string) string {
	if len(token) < PrefixLength {
		return ""
	}
	return token[:PrefixLength]
}
