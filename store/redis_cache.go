package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomsync/server"
)

const defaultRedisTimeout = 5 * time.Second

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr    string
	DB      int
	Timeout time.Duration
}

// ConnectRedis 创建客户端并 ping 验证连通性
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisSessionCache 已确认会话存在 Redis 中，进程重启后在 TTL 内仍然有效
// 键格式：session:<username>，值为 session id
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
}

var _ server.SessionCache = (*RedisSessionCache)(nil)

// NewRedisSessionCache ttl<=0 表示不过期
func NewRedisSessionCache(client *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *RedisSessionCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisSessionCache{client: client, ttl: ttl, log: log}
}

// Confirmed Redis 不可用时视为未确认，交由身份服务判定
func (c *RedisSessionCache) Confirmed(ctx context.Context, username, sessionID string) bool {
	sid, err := c.client.Get(ctx, sessionKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.log.Warnw("session cache lookup failed", "username", username, "err", err)
		return false
	}
	return sid == sessionID
}

func (c *RedisSessionCache) Confirm(ctx context.Context, username, sessionID string) {
	if err := c.client.Set(ctx, sessionKey(username), sessionID, c.ttl).Err(); err != nil {
		c.log.Warnw("session cache store failed", "username", username, "err", err)
	}
}

func sessionKey(username string) string {
	return "session:" + username
}
