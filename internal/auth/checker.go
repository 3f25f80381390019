package auth

import (
	"context"
	"strings"

	"makerchecker/internal/identity"
)

// PermissionChecker 判断操作人是否拥有某个权限标签
type PermissionChecker interface {
	CanInitiate(ctx context.Context, actor identity.Actor, permission string) (bool, error)
}

// StaticPermissionChecker 基于配置的角色 -> 权限映射
//
// 权限标签形如 "resource:action"。"*" 匹配全部，"role:*" 匹配 role 下的全部动作。
type StaticPermissionChecker struct {
	rolePermissions map[string][]string
}

// NewStaticPermissionChecker 创建静态权限检查器
func NewStaticPermissionChecker(rolePermissions map[string][]string) *StaticPermissionChecker {
	normalized := make(map[string][]string, len(rolePermissions))
	for role, perms := range rolePermissions {
		normalized[strings.ToLower(role)] = perms
	}
	return &StaticPermissionChecker{rolePermissions: normalized}
}

// CanInitiate 实现 PermissionChecker
func (c *StaticPermissionChecker) CanInitiate(_ context.Context, actor identity.Actor, permission string) (bool, error) {
	for _, role := range actor.Roles {
		for _, p := range c.rolePermissions[strings.ToLower(role)] {
			if permissionMatches(p, permission) {
				return true, nil
			}
		}
	}
	return false, nil
}

func permissionMatches(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}
	gRes, gAct, ok := strings.Cut(granted, ":")
	if !ok {
		return false
	}
	rRes, rAct, ok := strings.Cut(required, ":")
	if !ok {
		return false
	}
	resourceMatch := gRes == "*" || gRes == rRes
	actionMatch := gAct == "*" || gAct == rAct
	return resourceMatch && actionMatch
}
