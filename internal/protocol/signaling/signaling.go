// Package signaling 实现 /void/signaling/1.0.0 请求/响应信令
//
// 每个请求使用一条独立的流：
//
//	请求方                         应答方
//	  │── Request{payload} ──────────▶│  SignalInboundRequest(Respond)
//	  │◀───────── Response{token} ────│  Respond("ACK")
//	  │  SignalResponse / SignalOutboundFailure
//
// 帧为 uvarint 长度前缀的 protobuf 消息。响应只在承载请求的那条流上被接受，
// 每个请求至多一个响应，不重试。发送方从不阻塞在结果上：Send 立即返回请求编号，
// 结果稍后以 SignalingEvent 交给 Host 的事件流。
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("protocol/signaling")

// ProtocolID 信令协议
const ProtocolID = protocolids.Signaling

// RequestID 请求编号，本节点内单调递增
type RequestID = uint64

var (
	// ErrNotStarted 服务未启动或已停止
	ErrNotStarted = errors.New("signaling: service not running")

	// ErrAlreadyResponded 同一请求第二次应答
	ErrAlreadyResponded = errors.New("signaling: request already responded")

	// ErrResponseTimeout 超时前没有应答
	ErrResponseTimeout = errors.New("signaling: response timeout")

	// ErrMessageTooLarge 负载超过上限
	ErrMessageTooLarge = errors.New("signaling: message too large")
)

// Config 信令配置
type Config struct {
	// RequestTimeout 请求方等待响应、应答方等待应用应答的时长
	RequestTimeout time.Duration

	// MaxMessageSize 单帧上限
	MaxMessageSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// Service 信令服务
type Service struct {
	host interfaces.Host
	cfg  Config

	nextID atomic.Uint64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New 创建服务
func New(h interfaces.Host, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &Service{host: h, cfg: cfg}
}

// Start 注册处理函数
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.host.SetStreamHandler(ProtocolID, s.handle)
}

// Stop 移除处理函数，等待进行中的请求结束
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.host.RemoveStreamHandler(ProtocolID)
	s.wg.Wait()
}

// Send 异步发送请求，立即返回请求编号
//
// 已有连接时直接在其上开流，否则先拨号。结果以 SignalResponse 或
// SignalOutboundFailure 事件送达，RequestID 与返回值一致。
func (s *Service) Send(p types.PeerID, payload string) (RequestID, error) {
	if len(payload) > s.cfg.MaxMessageSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), s.cfg.MaxMessageSize)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	id := s.nextID.Add(1)
	go func() {
		defer s.wg.Done()
		token, err := s.Request(ctx, p, payload)
		if ctx.Err() != nil {
			return
		}
		ev := &types.SignalingEvent{
			BaseEvent: types.NewBaseEvent(),
			Peer:      p,
			RequestID: id,
		}
		if err != nil {
			log.Debug("信令请求失败", "peer", p.ShortString(), "id", id, "err", err)
			ev.Kind = types.SignalOutboundFailure
			ev.Err = err
		} else {
			ev.Kind = types.SignalResponse
			ev.Token = token
		}
		if err := s.host.Deliver(ctx, ev); err != nil {
			log.Debug("信令结果未能投递", "peer", p.ShortString(), "id", id, "err", err)
		}
	}()
	return id, nil
}

// Request 同步发送一次请求并等待响应
func (s *Service) Request(ctx context.Context, p types.PeerID, payload string) (string, error) {
	if len(payload) > s.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), s.cfg.MaxMessageSize)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	st, err := s.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	dl, _ := ctx.Deadline()
	_ = st.SetDeadline(dl)

	// ctx 取消时让阻塞的读写立即返回
	stop := context.AfterFunc(ctx, func() { _ = st.Reset() })
	defer stop()

	if err := pbio.NewWriter(st).WriteMsg((&request{Payload: payload}).Marshal()); err != nil {
		_ = st.Reset()
		return "", fmt.Errorf("write request: %w", err)
	}
	if err := st.CloseWrite(); err != nil {
		_ = st.Reset()
		return "", fmt.Errorf("close write: %w", err)
	}

	b, err := pbio.NewReader(st, s.cfg.MaxMessageSize).ReadMsg()
	if err != nil {
		_ = st.Reset()
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrResponseTimeout, ctx.Err())
		}
		return "", fmt.Errorf("read response: %w", err)
	}
	_ = st.Close()

	var resp response
	if err := resp.Unmarshal(b); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ============================================================================
//                              应答方
// ============================================================================

// responder 入站请求的一次性应答
type responder struct {
	st     interfaces.Stream
	result chan error

	mu      sync.Mutex
	done    bool // 已应答或已超时
	expired bool
}

func (r *responder) respond(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		if r.expired {
			return ErrResponseTimeout
		}
		return ErrAlreadyResponded
	}
	r.done = true

	err := pbio.NewWriter(r.st).WriteMsg((&response{Token: token}).Marshal())
	if err != nil {
		_ = r.st.Reset()
	} else {
		err = r.st.Close()
	}
	r.result <- err
	return err
}

// expire 超时；返回 false 表示应答已抢先完成
func (r *responder) expire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done, r.expired = true, true
	_ = r.st.Reset()
	return true
}

func (s *Service) handle(st interfaces.Stream) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = st.Reset()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	from := st.Conn().RemotePeer()
	id := s.nextID.Add(1)
	fail := func(err error) {
		log.Debug("入站信令失败", "peer", from.ShortString(), "id", id, "err", err)
		_ = s.host.Deliver(ctx, &types.SignalingEvent{
			BaseEvent: types.NewBaseEvent(),
			Kind:      types.SignalInboundFailure,
			Peer:      from,
			RequestID: id,
			Err:       err,
		})
	}

	_ = st.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	b, err := pbio.NewReader(st, s.cfg.MaxMessageSize).ReadMsg()
	if err != nil {
		_ = st.Reset()
		fail(fmt.Errorf("read request: %w", err))
		return
	}
	var req request
	if err := req.Unmarshal(b); err != nil {
		_ = st.Reset()
		fail(err)
		return
	}
	_ = st.SetReadDeadline(time.Time{})
	_ = st.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))

	r := &responder{st: st, result: make(chan error, 1)}
	// 请求事件不可丢弃，否则对端永远等不到应答
	err = s.host.Deliver(ctx, &types.SignalingEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.SignalInboundRequest,
		Peer:      from,
		RequestID: id,
		Payload:   req.Payload,
		Respond:   r.respond,
	})
	if err != nil {
		_ = st.Reset()
		log.Debug("入站信令未能投递", "peer", from.ShortString(), "id", id, "err", err)
		return
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case err := <-r.result:
		if err != nil {
			fail(fmt.Errorf("write response: %w", err))
		}
	case <-timer.C:
		if r.expire() {
			fail(ErrResponseTimeout)
			return
		}
		if err := <-r.result; err != nil {
			fail(fmt.Errorf("write response: %w", err))
		}
	case <-ctx.Done():
		r.expire()
	}
}
