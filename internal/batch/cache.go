package batch

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize 未配置容量时缓存的上下文数量。
const DefaultCacheSize = 256

// ContextCache 按指纹缓存签名上下文。已存入的上下文不会被修改，更新时整体替换。
type ContextCache struct {
	lru *lru.Cache[string, *SignerContext]

	mu    sync.RWMutex
	hooks []func(fingerprint string)
}

// NewContextCache 创建最多保存 size 个上下文的缓存。
func NewContextCache(size int) (*ContextCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache := &ContextCache{}
	c, err := lru.NewWithEvict[string, *SignerContext](size, cache.evicted)
	if err != nil {
		return nil, err
	}
	cache.lru = c
	return cache, nil
}

// OnEvict 注册淘汰回调，回调在缓存锁之外执行。
func (c *ContextCache) OnEvict(fn func(fingerprint string)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Get 返回指纹对应的上下文。
func (c *ContextCache) Get(fingerprint string) (*SignerContext, bool) {
	return c.lru.Get(fingerprint)
}

// Put 以上下文自身的指纹存入。
func (c *ContextCache) Put(ctx *SignerContext) {
	c.lru.Add(ctx.Fingerprint, ctx)
}

// Len 返回当前缓存数量。
func (c *ContextCache) Len() int {
	return c.lru.Len()
}

func (c *ContextCache) evicted(fingerprint string, _ *SignerContext) {
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(fingerprint)
	}
}
