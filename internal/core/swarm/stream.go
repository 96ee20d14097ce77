package swarm

import (
	"sync"

	"github.com/void-p2p/go-void/pkg/interfaces"
)

// Stream Swarm 流
//
// Close 或 Reset 后从所属连接注销，连接据此判断是否空闲。
type Stream struct {
	interfaces.MuxedStream

	conn *Conn

	mu       sync.Mutex
	protocol string

	// transient 受 conn.mu 保护
	transient bool

	doneOnce sync.Once
}

var _ interfaces.Stream = (*Stream)(nil)

func (s *Stream) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Stream) SetProtocol(p string) {
	s.mu.Lock()
	s.protocol = p
	s.mu.Unlock()
}

func (s *Stream) Conn() interfaces.Conn {
	return s.conn
}

func (s *Stream) Close() error {
	err := s.MuxedStream.Close()
	s.done()
	return err
}

func (s *Stream) Reset() error {
	err := s.MuxedStream.Reset()
	s.done()
	return err
}

// MarkTransient 该流不阻止连接空闲关闭（ping、identify 等周期性系统流）
func (s *Stream) MarkTransient() {
	s.conn.markTransient(s)
}

func (s *Stream) done() {
	s.doneOnce.Do(func() { s.conn.removeStream(s) })
}
