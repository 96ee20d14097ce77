package swarm

import (
	"context"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

// Conn Swarm 连接
type Conn struct {
	id   uint64
	cc   interfaces.CapableConn
	sw   *Swarm
	stat interfaces.ConnStat

	mu      sync.Mutex
	streams map[*Stream]struct{}
	// active 阻止空闲关闭的流数量（不含短暂流）
	active     int
	lastActive time.Time
	idleTimer  *time.Timer
	closed     bool

	closeOnce sync.Once
}

var _ interfaces.Conn = (*Conn)(nil)

func newConn(sw *Swarm, cc interfaces.CapableConn, dir types.Direction) *Conn {
	now := time.Now()
	return &Conn{
		id: sw.nextConnID.Add(1),
		cc: cc,
		sw: sw,
		stat: interfaces.ConnStat{
			Direction: dir,
			Opened:    now,
			Relayed:   types.IsRelayAddr(cc.RemoteMultiaddr()),
		},
		streams:    make(map[*Stream]struct{}),
		lastActive: now,
	}
}

func (c *Conn) ID() uint64                    { return c.id }
func (c *Conn) LocalPeer() types.PeerID       { return c.cc.LocalPeer() }
func (c *Conn) RemotePeer() types.PeerID      { return c.cc.RemotePeer() }
func (c *Conn) LocalMultiaddr() ma.Multiaddr  { return c.cc.LocalMultiaddr() }
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.cc.RemoteMultiaddr() }

// Transport 产生该连接的传输名称
func (c *Conn) Transport() string { return c.cc.Transport() }

// Stat 连接统计
func (c *Conn) Stat() interfaces.ConnStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stat
	st.NumStreams = len(c.streams)
	return st
}

// NewStream 打开出站流
func (c *Conn) NewStream(ctx context.Context) (interfaces.Stream, error) {
	if c.IsClosed() {
		return nil, ErrNoConnection
	}
	ms, err := c.cc.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return c.addStream(ms)
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.cc.IsClosed()
}

// Close 关闭连接并从 Swarm 注销
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.mu.Unlock()

		err = c.cc.Close()
		c.sw.removeConn(c)
	})
	return err
}

func (c *Conn) addStream(ms interfaces.MuxedStream) (*Stream, error) {
	s := &Stream{MuxedStream: ms, conn: c}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ms.Reset()
		return nil, ErrNoConnection
	}
	c.streams[s] = struct{}{}
	c.active++
	return s, nil
}

func (c *Conn) removeStream(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[s]; !ok {
		return
	}
	delete(c.streams, s)
	if !s.transient {
		c.active--
		c.lastActive = time.Now()
	}
}

// markTransient 流不再阻止空闲关闭，也不刷新活跃时间
func (c *Conn) markTransient(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[s]; !ok || s.transient {
		return
	}
	s.transient = true
	c.active--
}

// armIdleLocked 在 d 后检查空闲
func (c *Conn) armIdleLocked(d time.Duration) {
	if c.sw.idleTimeout <= 0 {
		return
	}
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(d, c.idleExpired)
		return
	}
	c.idleTimer.Reset(d)
}

// idleExpired 没有活跃流且最后一次活跃已超过空闲时间时关闭连接
func (c *Conn) idleExpired() {
	idle := c.sw.idleTimeout
	protected := c.sw.IsProtected(c.RemotePeer())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.active > 0 {
		c.armIdleLocked(idle)
		c.mu.Unlock()
		return
	}
	if remaining := idle - time.Since(c.lastActive); remaining > 0 {
		c.armIdleLocked(remaining)
		c.mu.Unlock()
		return
	}
	if protected {
		c.armIdleLocked(idle)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	log.Debug("关闭空闲连接", "peer", c.RemotePeer().ShortString(), "addr", c.RemoteMultiaddr())
	c.Close()
}

// acceptStreams 接受入站流直到连接关闭
func (c *Conn) acceptStreams() {
	defer c.Close()
	for {
		ms, err := c.cc.AcceptStream()
		if err != nil {
			return
		}
		s, err := c.addStream(ms)
		if err != nil {
			return
		}
		go c.sw.handleStream(s)
	}
}
