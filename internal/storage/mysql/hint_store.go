package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"BatchSigner/internal/recommend"
)

// HintStore 将重试 nonce 提示保存在 nonce_hints 表中。
type HintStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ recommend.HintStore = (*HintStore)(nil)

// NewHintStore 创建连接池并执行迁移。
func NewHintStore(ctx context.Context, cfg Config) (*HintStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return newHintStore(db), nil
}

func newHintStore(db *sql.DB) *HintStore {
	return &HintStore{db: db, now: time.Now}
}

// Close 释放连接池。
func (s *HintStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put 写入或覆盖提示。
func (s *HintStore) Put(ctx context.Context, key recommend.HintKey, nonce uint64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = recommend.DefaultHintTTL
	}
	now := s.now()
	const query = `INSERT INTO nonce_hints (account, chain_id, nonce, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE nonce = VALUES(nonce), expires_at = VALUES(expires_at), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, query, account(key), key.ChainID, nonce, now.Add(ttl).Unix(), now.Unix()); err != nil {
		return fmt.Errorf("写入 nonce 提示失败: %w", err)
	}
	return nil
}

// Take 在事务内读取并删除提示，过期提示视为不存在。
func (s *HintStore) Take(ctx context.Context, key recommend.HintKey) (uint64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("开启事务失败: %w", err)
	}
	var (
		nonce     uint64
		expiresAt int64
	)
	row := tx.QueryRowContext(ctx, `SELECT nonce, expires_at FROM nonce_hints WHERE account = ? AND chain_id = ? FOR UPDATE`, account(key), key.ChainID)
	if err := row.Scan(&nonce, &expiresAt); err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("查询 nonce 提示失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nonce_hints WHERE account = ? AND chain_id = ?`, account(key), key.ChainID); err != nil {
		tx.Rollback()
		return 0, false, fmt.Errorf("删除 nonce 提示失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("提交事务失败: %w", err)
	}
	if s.now().Unix() > expiresAt {
		return 0, false, nil
	}
	return nonce, true, nil
}

// Delete 删除提示。
func (s *HintStore) Delete(ctx context.Context, key recommend.HintKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nonce_hints WHERE account = ? AND chain_id = ?`, account(key), key.ChainID); err != nil {
		return fmt.Errorf("删除 nonce 提示失败: %w", err)
	}
	return nil
}

// PurgeExpired 清理过期提示，返回删除的行数。
func (s *HintStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonce_hints WHERE expires_at < ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("清理过期 nonce 提示失败: %w", err)
	}
	return res.RowsAffected()
}

func account(key recommend.HintKey) string {
	return strings.ToLower(key.From.Hex())
}
