package redisx

import (
	"context"

	"gluco-circle/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client Redis客户端类型别名
type Client = redis.Client

// 连接池回落值：配置未给出时使用
const (
	defaultPoolSize = 10
	defaultMinIdle  = 2
)

// NewRedisClient 创建 Redis 客户端，连接池参数取自配置
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	minIdle := cfg.MinIdle
	if minIdle <= 0 {
		minIdle = defaultMinIdle
	}

	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: minIdle,
	})
}

// Ping 测试Redis连接
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func Close(client *redis.Client) error {
	return client.Close()
}
