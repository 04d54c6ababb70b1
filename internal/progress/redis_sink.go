package progress

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis Sink 的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Channel 为 PUBLISH 的频道，同时作为历史列表 key 的前缀。
	Channel string
	// History 为每个批次保留的事件条数。
	History int64
}

// RedisSink 将事件写入每个批次的历史列表并通过 PUBLISH 推送。
type RedisSink struct {
	client  goredis.UniversalClient
	channel string
	history int64
}

// NewRedisSink 创建 Redis Sink 并检查连通性。
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisSinkWithClient(client, cfg.Channel, cfg.History), nil
}

// NewRedisSinkWithClient 复用已有客户端。
func NewRedisSinkWithClient(client goredis.UniversalClient, channel string, history int64) *RedisSink {
	if channel == "" {
		channel = "batchsigner:progress"
	}
	if history <= 0 {
		history = 256
	}
	return &RedisSink{client: client, channel: channel, history: history}
}

// Publish 实现 Sink。
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	body, err := event.encode()
	if err != nil {
		return err
	}
	key := s.HistoryKey(event.Fingerprint)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, body)
	pipe.LTrim(ctx, key, 0, s.history-1)
	pipe.Publish(ctx, s.channel, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 推送进度失败: %w", err)
	}
	return nil
}

// HistoryKey 返回批次的历史列表 key。
func (s *RedisSink) HistoryKey(fingerprint string) string {
	return s.channel + ":" + fingerprint
}

// Close 关闭客户端。
func (s *RedisSink) Close() error {
	return s.client.Close()
}
