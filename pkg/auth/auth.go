// Package auth 为管理接口提供基于JWT的认证与授权
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalidToken     = errors.New("无效的令牌")
	ErrTokenExpired     = errors.New("令牌已过期")
	ErrPermissionDenied = errors.New("权限不足")
	ErrMissingToken     = errors.New("缺少令牌")
)

type Permission string

const (
	PermSendMessage     Permission = "send:message"     // 通过管理接口广播
	PermReadConnections Permission = "read:connections" // 查看连接列表
	PermAdminSystem     Permission = "admin:system"     // 拥有全部权限
)

// TokenClaims 认证通过后的声明
type TokenClaims struct {
	Subject     string       `json:"sub"`
	Permissions []Permission `json:"permissions"`
	ExpiresAt   int64        `json:"exp"`
	IssuedAt    int64        `json:"iat"`
	Issuer      string       `json:"iss"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*TokenClaims, error)
	GenerateToken(ctx context.Context, subject string, permissions []Permission, expiration time.Duration) (string, error)
}

// HasPermission claims包含任一指定权限时返回true，admin:system视为拥有所有权限
func HasPermission(claims *TokenClaims, permissions ...Permission) bool {
	if claims == nil {
		return false
	}
	if slices.Contains(claims.Permissions, PermAdminSystem) {
		return true
	}
	for _, p := range permissions {
		if slices.Contains(claims.Permissions, p) {
			return true
		}
	}
	return false
}

// BearerToken 从Authorization头中取出令牌
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// ParsePermissions 解析逗号分隔的权限列表，忽略空项
func ParsePermissions(s string) []Permission {
	var perms []Permission
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, Permission(p))
		}
	}
	return perms
}
