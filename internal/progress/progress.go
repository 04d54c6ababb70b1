// Package progress publishes per-transaction send progress to external
// listeners.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status mirrors the sign status of a batch.
type Status string

const (
	StatusSigning Status = "signing"
	StatusSigned  Status = "signed"
	StatusFailed  Status = "failed"
)

// Event 描述批次中一笔交易的发送进度。
type Event struct {
	Fingerprint string    `json:"fingerprint"`
	Index       int       `json:"index"`
	Total       int       `json:"total"`
	Hash        string    `json:"hash,omitempty"`
	Status      Status    `json:"status"`
	ErrorText   string    `json:"errorText,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func (e Event) encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("序列化进度事件失败: %w", err)
	}
	return body, nil
}

// Sink 接收进度事件。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemorySink 使用 channel 缓存事件，主要用于测试和单进程部署。
type MemorySink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemorySink 创建一个内存 Sink。
func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 64
	}
	return &MemorySink{ch: make(chan Event, size)}
}

// Publish 投递事件，缓冲区满时等待或随 ctx 取消。
func (s *MemorySink) Publish(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("进度通道已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- event:
		return nil
	}
}

// Events 返回只读事件通道。
func (s *MemorySink) Events() <-chan Event {
	return s.ch
}

// Close 关闭通道。
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Discard 丢弃所有事件。
type Discard struct{}

// Publish 实现 Sink。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Sink。
func (Discard) Close() error { return nil }
