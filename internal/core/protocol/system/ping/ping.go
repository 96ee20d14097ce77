// Package ping 实现存活探测协议
//
// 请求与响应都是 32 字节随机数据，响应必须与请求相同。
// Service 周期性地对每个已连接节点发起探测，结果以 PingEvent 交给 Host。
// ping 流不阻止连接的空闲关闭。
//
//	rtt, err := ping.Ping(ctx, host, peerID)
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("protocol/ping")

// ProtocolID ping 协议
const ProtocolID = protocolids.Ping

const (
	// PingSize 探测负载大小
	PingSize = 32

	// DefaultTimeout 单次探测超时
	DefaultTimeout = 20 * time.Second

	// handlerIdleTimeout 服务端等待下一次探测的最长时间
	handlerIdleTimeout = 60 * time.Second
)

// ErrDataMismatch 回显数据不一致
var ErrDataMismatch = errors.New("ping: echo data mismatch")

// Handler 服务端：循环读取 32 字节并回显
func Handler(s interfaces.Stream) {
	defer s.Close()
	interfaces.MarkTransient(s)

	buf := make([]byte, PingSize)
	for {
		_ = s.SetReadDeadline(time.Now().Add(handlerIdleTimeout))
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		if _, err := s.Write(buf); err != nil {
			return
		}
	}
}

// Ping 对节点探测一次，返回往返时间
func Ping(ctx context.Context, h interfaces.Host, p types.PeerID) (time.Duration, error) {
	s, err := h.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	interfaces.MarkTransient(s)

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	} else {
		_ = s.SetDeadline(time.Now().Add(DefaultTimeout))
	}
	return roundTrip(s)
}

func roundTrip(rw io.ReadWriter) (time.Duration, error) {
	buf := make([]byte, PingSize)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := rw.Write(buf); err != nil {
		return 0, err
	}
	echo := make([]byte, PingSize)
	if _, err := io.ReadFull(rw, echo); err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if !bytes.Equal(buf, echo) {
		return 0, ErrDataMismatch
	}
	return rtt, nil
}

// ============================================================================
//                              周期探测
// ============================================================================

// Service 注册 ping 处理函数并周期探测已连接节点
type Service struct {
	host     interfaces.Host
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	inflight map[types.PeerID]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建服务；interval <= 0 时只应答不主动探测
func NewService(h interfaces.Host, interval, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		host:     h,
		interval: interval,
		timeout:  timeout,
		inflight: make(map[types.PeerID]struct{}),
	}
}

// Start 注册处理函数并启动探测循环
func (s *Service) Start(ctx context.Context) {
	s.host.SetStreamHandler(ProtocolID, Handler)
	if s.interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop 停止探测并移除处理函数
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.host.RemoveStreamHandler(ProtocolID)
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, p := range s.host.Peers() {
				s.probe(ctx, p)
			}
		}
	}
}

// probe 异步探测；同一节点同时只有一次探测
func (s *Service) probe(ctx context.Context, p types.PeerID) {
	s.mu.Lock()
	if _, busy := s.inflight[p]; busy {
		s.mu.Unlock()
		return
	}
	s.inflight[p] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, p)
			s.mu.Unlock()
		}()

		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		rtt, err := Ping(pctx, s.host, p)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("ping 失败", "peer", p.ShortString(), "err", err)
		}
		s.host.Emit(&types.PingEvent{BaseEvent: types.NewBaseEvent(), Peer: p, RTT: rtt, Err: err})
	}()
}
