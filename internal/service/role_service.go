package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"creatorwallet/internal/config"
	"creatorwallet/pkg/retry"

	"github.com/go-redis/redis/v8"
)

const (
	RoleAdmin   = "admin"
	RoleCreator = "creator"
	RoleBrand   = "brand"
)

// errRoleNotVisible 角色还没同步到读库，触发重试
var errRoleNotVisible = errors.New("角色尚不可见")

// RoleResolver 外部身份系统的角色查询；未分配角色时返回空字符串
type RoleResolver interface {
	GetUserRole(ctx context.Context, userID string) (string, error)
}

// RedisRoleStore 角色由身份系统异步写入 Redis，写入后可能短暂不可见
type RedisRoleStore struct {
	rdb *redis.Client
}

func NewRedisRoleStore(rdb *redis.Client) *RedisRoleStore {
	return &RedisRoleStore{rdb: rdb}
}

func roleKey(userID string) string {
	return "user:role:" + userID
}

func (s *RedisRoleStore) GetUserRole(ctx context.Context, userID string) (string, error) {
	role, err := s.rdb.Get(ctx, roleKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return role, err
}

func (s *RedisRoleStore) SetUserRole(ctx context.Context, userID, role string) error {
	return s.rdb.Set(ctx, roleKey(userID), role, 0).Err()
}

// RoleService 在有限次重试内等待角色可见，之后才认定"未分配角色"
type RoleService struct {
	resolver RoleResolver
	policy   retry.Policy
}

func NewRoleService(resolver RoleResolver, cfg *config.Config) *RoleService {
	return &RoleService{
		resolver: resolver,
		policy:   retry.New(cfg.Auth.RoleMaxAttempts, cfg.Auth.RoleInitialDelay, cfg.Auth.RoleMaxDelay),
	}
}

// WithSleeper 测试中替换等待实现
func (s *RoleService) WithSleeper(sleeper retry.Sleeper) *RoleService {
	s.policy = s.policy.WithSleeper(sleeper)
	return s
}

// ResolveRole 返回空字符串表示重试用尽后仍没有角色
func (s *RoleService) ResolveRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.policy.Do(ctx, func(error) bool { return true }, func(ctx context.Context, attempt int) error {
		r, err := s.resolver.GetUserRole(ctx, userID)
		if err != nil {
			slog.Warn("[Role] 查询角色失败", "user_id", userID, "attempt", attempt, "err", err)
			return err
		}
		role = strings.TrimSpace(r)
		if role == "" {
			return errRoleNotVisible
		}
		return nil
	})
	if errors.Is(err, errRoleNotVisible) {
		return "", nil
	}
	if err != nil {
		return "", persistence("查询角色", err)
	}
	return role, nil
}

// HasRole 角色校验，角色名不区分大小写
func (s *RoleService) HasRole(ctx context.Context, userID, want string) (bool, error) {
	role, err := s.ResolveRole(ctx, userID)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(role, want), nil
}
