package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"makerchecker/internal/config"
	"makerchecker/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis 在本服务中承担两类职责：JWT 注销黑名单、asynq 审批执行队列。
// 两者共用同一份连接配置，asynq 侧见 queue.RedisOpt。

// NormalizeRedisConfig 归一化 Redis 配置并补齐连接池默认值
func NormalizeRedisConfig(cfg config.RedisConfig) config.RedisConfig {
	out := cfg
	out.Mode = strings.ToLower(strings.TrimSpace(out.Mode))
	if out.Mode == "" {
		out.Mode = "standalone"
	}
	out.Host = strings.TrimSpace(out.Host)
	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.Port == 0 {
		out.Port = 6379
	}
	out.SentinelAddrs = compactAddrs(out.SentinelAddrs)
	out.ClusterAddrs = compactAddrs(out.ClusterAddrs)
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.MinIdleConns <= 0 {
		out.MinIdleConns = 5
	}
	return out
}

// compactAddrs 支持 ["a:1,b:2"] 形式（来自 APP_REDIS_* 环境变量）
func compactAddrs(addrs []string) []string {
	var out []string
	for _, raw := range addrs {
		for _, part := range strings.Split(raw, ",") {
			if addr := strings.TrimSpace(part); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// redisOptions 按模式构造统一连接参数
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	switch cfg.Mode {
	case "standalone":
		opts.Addrs = []string{cfg.Addr()}
	case "sentinel":
		if cfg.MasterName == "" || len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("哨兵模式需要配置 master_name 和 sentinel_addrs")
		}
		opts.MasterName = cfg.MasterName
		opts.Addrs = cfg.SentinelAddrs
		opts.SentinelPassword = cfg.SentinelPassword
	case "cluster":
		if len(cfg.ClusterAddrs) == 0 {
			return nil, fmt.Errorf("集群模式需要配置 cluster_addrs")
		}
		opts.Addrs = cfg.ClusterAddrs
		opts.DB = 0
	default:
		return nil, fmt.Errorf("不支持的 Redis 模式: %s (可选: standalone, sentinel, cluster)", cfg.Mode)
	}
	return opts, nil
}

// InitRedis 初始化 Redis 连接；cfg 需先经过 NormalizeRedisConfig
func InitRedis(cfg config.RedisConfig) (redis.UniversalClient, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	switch cfg.Mode {
	case "sentinel":
		rdb = redis.NewFailoverClient(opts.Failover())
	case "cluster":
		rdb = redis.NewClusterClient(opts.Cluster())
	default:
		rdb = redis.NewClient(opts.Simple())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis 连接失败: %w", err)
	}

	logger.Info("Redis 连接成功",
		zap.String("mode", cfg.Mode),
		zap.Strings("addrs", opts.Addrs),
		zap.Int("db", opts.DB),
	)
	return rdb, nil
}

// CloseRedis 关闭 Redis 连接
func CloseRedis(rdb redis.UniversalClient) error {
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}

// HealthCheckRedis Redis 健康检查
func HealthCheckRedis(ctx context.Context, rdb redis.UniversalClient) error {
	if rdb == nil {
		return fmt.Errorf("Redis 未初始化")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
