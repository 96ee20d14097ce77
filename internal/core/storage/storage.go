// Package storage 定义消息历史的存储接口
//
// 消息历史由外部协作方持久化，核心只通过 Store 追加记录。
// 两个实现：
//
//	sqlite  单文件数据库，表结构与桌面客户端一致
//	badger  嵌入式键值库，按时间排序的键
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/void-p2p/go-void/pkg/types"
)

var (
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("storage: closed")

	// ErrInvalidLimit 查询条数必须为正
	ErrInvalidLimit = errors.New("storage: limit must be positive")
)

// Message 一条信令消息记录
type Message struct {
	PeerID    types.PeerID `json:"peer_id"`
	Content   string       `json:"content"`
	IsSent    bool         `json:"is_sent"`
	Timestamp time.Time    `json:"timestamp"`
}

// Store 消息历史存储
type Store interface {
	// Append 追加一条记录；Timestamp 为零值时使用当前时间
	Append(ctx context.Context, m Message) error

	// Recent 最近的 limit 条记录，按时间先后排列
	Recent(ctx context.Context, limit int) ([]Message, error)

	Close() error
}

// Normalize 补全时间戳
func Normalize(m Message) Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m
}
