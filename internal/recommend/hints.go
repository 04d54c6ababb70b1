// Package recommend 分配 nonce，优先使用广播失败后留下的重试提示，其次才是链上 pending nonce。
package recommend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultHintTTL 限定未使用的重试提示的有效期。
const DefaultHintTTL = 30 * time.Minute

// HintKey 标识提示所属的账户。
type HintKey struct {
	From    common.Address
	ChainID uint64
}

// String 输出 "<小写地址>:<链 ID>" 形式的键。
func (k HintKey) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(k.From.Hex()), k.ChainID)
}

// HintStore 持久化重试 nonce 提示。
type HintStore interface {
	Put(ctx context.Context, key HintKey, nonce uint64, ttl time.Duration) error
	// Take 返回并移除提示，没有提示时 ok 为 false。
	Take(ctx context.Context, key HintKey) (nonce uint64, ok bool, err error)
	Delete(ctx context.Context, key HintKey) error
}

type memoryHint struct {
	nonce     uint64
	expiresAt time.Time
}

// MemoryStore 在进程内存中保存提示。
type MemoryStore struct {
	mu    sync.Mutex
	hints map[HintKey]memoryHint
	now   func() time.Time
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hints: make(map[HintKey]memoryHint), now: time.Now}
}

// Put 实现 HintStore。
func (m *MemoryStore) Put(_ context.Context, key HintKey, nonce uint64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultHintTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints[key] = memoryHint{nonce: nonce, expiresAt: m.now().Add(ttl)}
	return nil
}

// Take 实现 HintStore。
func (m *MemoryStore) Take(_ context.Context, key HintKey) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hint, ok := m.hints[key]
	if !ok {
		return 0, false, nil
	}
	delete(m.hints, key)
	if m.now().After(hint.expiresAt) {
		return 0, false, nil
	}
	return hint.nonce, true, nil
}

// Delete 实现 HintStore。
func (m *MemoryStore) Delete(_ context.Context, key HintKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hints, key)
	return nil
}
