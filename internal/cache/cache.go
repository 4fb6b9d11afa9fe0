// Package cache 持久化成功的生成结果，避免同一提示词重复调用上游。
// 回退记录从不写入。
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"studygen/pkg/contract"
	"studygen/plugins/decoder/lenient"
)

const schema = `CREATE TABLE IF NOT EXISTS outcomes (
	key        TEXT PRIMARY KEY,
	model      TEXT NOT NULL,
	mode       TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// Cache 基于 SQLite 的结果缓存。并发安全。
type Cache struct {
	db *sql.DB
}

// Open 打开（必要时创建）缓存库；path 为 ":memory:" 时使用进程内库。
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("cache: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	if path == ":memory:" {
		// 每个连接对应独立的内存库
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		schema,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: %s: %w", p, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return &Cache{db: db}, nil
}

// Key 由模型标识、模式与展平后的提示词计算（sha256 十六进制）。
func Key(modelID string, mode contract.Mode, p contract.Prompt) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write([]byte(contract.PromptText(p)))
	return hex.EncodeToString(h.Sum(nil))
}

// Get 读取缓存；未命中返回 (nil, false, nil)。
func (c *Cache) Get(ctx context.Context, key string) (contract.Record, bool, error) {
	var s string
	err := c.db.QueryRowContext(ctx, `SELECT record FROM outcomes WHERE key = ?`, key).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	rec, err := lenient.Parse(s)
	if err != nil {
		return nil, false, fmt.Errorf("cache: corrupt entry %s: %w", key, err)
	}
	return rec, true, nil
}

// Put 写入成功结果（同键覆盖）。
func (c *Cache) Put(ctx context.Context, key, modelID string, mode contract.Mode, rec contract.Record) error {
	b, err := lenient.Compact(rec)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO outcomes (key, model, mode, record, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET record = excluded.record, created_at = excluded.created_at`,
		key, modelID, string(mode), string(b), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// Len 返回条目数。
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

// Close 关闭数据库。
func (c *Cache) Close() error { return c.db.Close() }
