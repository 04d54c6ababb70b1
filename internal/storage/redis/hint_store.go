package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"BatchSigner/internal/recommend"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// HintStore 使用 Redis 字符串保存重试 nonce 提示。
type HintStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ recommend.HintStore = (*HintStore)(nil)

// NewHintStore 创建 Redis 客户端并检查连通性。
func NewHintStore(ctx context.Context, cfg Config) (*HintStore, error) {
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
	return NewHintStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewHintStoreWithClient 复用已有的客户端。
func NewHintStoreWithClient(client goredis.UniversalClient, prefix string) *HintStore {
	if prefix == "" {
		prefix = "batchsigner:nonce-hint:"
	}
	return &HintStore{client: client, prefix: prefix}
}

// Close 关闭底层连接。
func (s *HintStore) Close() error {
	return s.client.Close()
}

// Put 写入提示，ttl 到期后自动失效。
func (s *HintStore) Put(ctx context.Context, key recommend.HintKey, nonce uint64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = recommend.DefaultHintTTL
	}
	if err := s.client.Set(ctx, s.key(key), strconv.FormatUint(nonce, 10), ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入 nonce 提示失败: %w", err)
	}
	return nil
}

// Take 通过 GETDEL 原子地读取并删除提示。
func (s *HintStore) Take(ctx context.Context, key recommend.HintKey) (uint64, bool, error) {
	raw, err := s.client.GetDel(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("Redis 读取 nonce 提示失败: %w", err)
	}
	nonce, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("解析 nonce 提示失败: %w", err)
	}
	return nonce, true, nil
}

// Delete 删除提示。
func (s *HintStore) Delete(ctx context.Context, key recommend.HintKey) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("Redis 删除 nonce 提示失败: %w", err)
	}
	return nil
}

func (s *HintStore) key(k recommend.HintKey) string {
	return s.prefix + k.String()
}
