// Package badger 基于 BadgerDB 的消息历史存储
//
// 键为 msg/<纳秒时间戳>/<序号>，字典序即时间顺序，值为 JSON。
// 后台按间隔执行值日志 GC。
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/void-p2p/go-void/internal/core/storage"
	"github.com/void-p2p/go-void/internal/util/logger"
)

var log = logger.Logger("storage/badger")

var msgPrefix = []byte("msg/")

// gcDiscardRatio 值日志 GC 的回收阈值
const gcDiscardRatio = 0.5

// Options 打开选项
type Options struct {
	// Dir 数据目录；InMemory 时忽略
	Dir string

	InMemory bool

	// GCInterval 值日志 GC 间隔，<= 0 时不启动
	GCInterval time.Duration
}

// Store BadgerDB 消息存储
type Store struct {
	db     *badger.DB
	seq    atomic.Uint64
	closed atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ storage.Store = (*Store)(nil)

// Open 打开数据库并启动 GC
func Open(o Options) (*Store, error) {
	opts := badger.DefaultOptions(o.Dir).
		WithInMemory(o.InMemory).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})
	if o.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{db: db, cancel: cancel}
	if o.GCInterval > 0 && !o.InMemory {
		s.wg.Add(1)
		go s.gcLoop(ctx, o.GCInterval)
	}
	return s, nil
}

func (s *Store) gcLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// 一直回收到没有可回收的文件
			n := 0
			for s.db.RunValueLogGC(gcDiscardRatio) == nil {
				n++
			}
			if n > 0 {
				log.Debug("值日志 GC 完成", "files", n)
			}
		}
	}
}

func (s *Store) key(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d/%010d", msgPrefix, ts.UnixNano(), s.seq.Add(1)))
}

// Append 追加一条记录
func (s *Store) Append(_ context.Context, m storage.Message) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	m = storage.Normalize(m)
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	k := s.key(m.Timestamp)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

// Recent 最近的 limit 条记录
func (s *Store) Recent(ctx context.Context, limit int) ([]storage.Message, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}

	var out []storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), msgPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(msgPrefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m storage.Message
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close 停止 GC 并关闭数据库
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}

// badgerLogger 将 badger 的日志转到 slog
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) { log.Error(fmt.Sprintf(format, args...)) }

func (badgerLogger) Warningf(format string, args ...any) { log.Warn(fmt.Sprintf(format, args...)) }

func (badgerLogger) Infof(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...)) }

func (badgerLogger) Debugf(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...)) }
