// Package sqlite 基于 SQLite 的消息历史存储
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/void-p2p/go-void/internal/core/storage"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("storage/sqlite")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	peer_id TEXT NOT NULL,
	content TEXT NOT NULL,
	is_sent BOOLEAN NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_timestamp ON messages(timestamp);
`

// Store SQLite 消息存储
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open 打开（必要时创建）数据库文件
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return open(path)
}

// OpenMemory 内存数据库（测试用）
func OpenMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// 内存库每个连接各自独立
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	log.Debug("消息数据库已打开", "path", dsn)
	return &Store{db: db}, nil
}

// Append 追加一条记录
func (s *Store) Append(ctx context.Context, m storage.Message) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	m = storage.Normalize(m)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (peer_id, content, is_sent, timestamp) VALUES (?, ?, ?, ?)",
		m.PeerID.String(), m.Content, m.IsSent, m.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent 最近的 limit 条记录
func (s *Store) Recent(ctx context.Context, limit int) ([]storage.Message, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT peer_id, content, is_sent, timestamp FROM messages ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		var (
			m    storage.Message
			peer string
			ts   int64
		)
		if err := rows.Scan(&peer, &m.Content, &m.IsSent, &ts); err != nil {
			return nil, err
		}
		if peer != "" {
			if m.PeerID, err = types.ParsePeerID(peer); err != nil {
				return nil, fmt.Errorf("scan peer id: %w", err)
			}
		}
		m.Timestamp = time.Unix(ts, 0)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// 倒序取出，翻转为时间先后
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
