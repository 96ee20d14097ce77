// Package server 实现中继电路 v2 的 HOP 服务
//
// NAT 后的节点先发送 RESERVE 预约槽位；其他节点发送 CONNECT 请求连接
// 已预约的节点，中继打开到目标的 STOP 流，双方确认后在两条流之间转发数据，
// 转发受电路时长与字节数限制。中继不做多跳转发。
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/core/relay/pb"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("relay/server")

// 协议
const (
	HopProtocol  = protocolids.RelayHop
	StopProtocol = protocolids.RelayStop
)

const (
	// handshakeTimeout 单条 HOP/STOP 消息交换的超时
	handshakeTimeout = time.Minute

	// protectTag 持有预约的节点连接不被空闲关闭
	protectTag = "relay-reservation"

	gcInterval = time.Minute
)

// ErrServerClosed 服务已停止
var ErrServerClosed = errors.New("relay: server closed")

// Config 服务端配置
type Config struct {
	MaxReservations    int
	MaxCircuits        int
	MaxCircuitsPerPeer int
	ReservationTTL     time.Duration
	CircuitDuration    time.Duration
	// CircuitData 单方向字节上限
	CircuitData     int64
	ReservationRate int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxReservations:    128,
		MaxCircuits:        16,
		MaxCircuitsPerPeer: 4,
		ReservationTTL:     time.Hour,
		CircuitDuration:    2 * time.Minute,
		CircuitData:        1 << 17,
		ReservationRate:    6,
	}
}

// Stats 服务统计
type Stats struct {
	Reservations   int
	ActiveCircuits int
	BytesRelayed   int64
}

// Server HOP 服务
type Server struct {
	host    interfaces.Host
	cfg     Config
	limiter *Limiter

	mu           sync.Mutex
	reservations map[types.PeerID]time.Time

	bytesRelayed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务
func New(h interfaces.Host, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.CircuitDuration <= 0 {
		cfg.CircuitDuration = def.CircuitDuration
	}
	return &Server{
		host: h,
		cfg:  cfg,
		limiter: NewLimiter(LimiterConfig{
			ReservationRate:    cfg.ReservationRate,
			MaxReservations:    cfg.MaxReservations,
			MaxCircuits:        cfg.MaxCircuits,
			MaxCircuitsPerPeer: cfg.MaxCircuitsPerPeer,
		}),
		reservations: make(map[types.PeerID]time.Time),
	}
}

// Start 注册 HOP 处理函数
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.host.SetStreamHandler(HopProtocol, s.handleHop)
	s.host.Notify(interfaces.Notifiee{Disconnected: s.disconnected})

	s.wg.Add(1)
	go s.gcLoop()
	log.Info("中继服务已启动", "max_reservations", s.cfg.MaxReservations, "max_circuits", s.cfg.MaxCircuits)
}

// Stop 停止服务；正在转发的电路随之关闭
func (s *Server) Stop() {
	s.host.RemoveStreamHandler(HopProtocol)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	for p := range s.reservations {
		s.host.Unprotect(p, protectTag)
	}
	s.reservations = make(map[types.PeerID]time.Time)
	s.mu.Unlock()
}

// Stats 当前统计
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.reservations)
	s.mu.Unlock()
	return Stats{
		Reservations:   n,
		ActiveCircuits: s.limiter.ActiveCircuits(),
		BytesRelayed:   s.bytesRelayed.Load(),
	}
}

// HasReservation 节点是否持有未过期的预约
func (s *Server) HasReservation(p types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.reservations[p]
	return ok && time.Now().Before(exp)
}

func (s *Server) handleHop(st interfaces.Stream) {
	if s.ctx == nil || s.ctx.Err() != nil {
		st.Reset()
		return
	}
	_ = st.SetDeadline(time.Now().Add(handshakeTimeout))

	msg, err := pb.ReadHop(st)
	if err != nil {
		log.Debug("读取 HOP 消息失败", "peer", st.Conn().RemotePeer().ShortString(), "err", err)
		s.replyStatus(st, pb.StatusMalformedMessage)
		return
	}

	switch msg.Type {
	case pb.HopReserve:
		s.handleReserve(st)
	case pb.HopConnect:
		s.handleConnect(st, msg)
	default:
		s.replyStatus(st, pb.StatusUnexpectedMessage)
	}
}

func (s *Server) replyStatus(st interfaces.Stream, status pb.Status) {
	defer st.Close()
	if err := pb.WriteHop(st, &pb.HopMessage{Type: pb.HopStatus, Status: status}); err != nil {
		st.Reset()
	}
}

// ============================================================================
//                              预约
// ============================================================================

func (s *Server) handleReserve(st interfaces.Stream) {
	p := st.Conn().RemotePeer()
	if st.Conn().Stat().Relayed {
		s.replyStatus(st, pb.StatusPermissionDenied)
		return
	}

	s.mu.Lock()
	_, renew := s.reservations[p]
	if err := s.limiter.AllowReservation(p, len(s.reservations), renew); err != nil {
		s.mu.Unlock()
		log.Debug("拒绝预约", "peer", p.ShortString(), "err", err)
		s.replyStatus(st, pb.StatusResourceLimitExceeded)
		return
	}
	expire := time.Now().Add(s.cfg.ReservationTTL)
	s.reservations[p] = expire
	s.mu.Unlock()

	s.host.Protect(p, protectTag)

	resp := &pb.HopMessage{
		Type:   pb.HopStatus,
		Status: pb.StatusOK,
		Reservation: &pb.Reservation{
			Expire: uint64(expire.Unix()),
			Addrs:  s.relayAddrs(),
		},
		Limit: s.limit(),
	}
	defer st.Close()
	if err := pb.WriteHop(st, resp); err != nil {
		st.Reset()
		return
	}
	log.Debug("预约成功", "peer", p.ShortString(), "expire", expire, "renew", renew)
}

// relayAddrs 本中继的可公告地址，带 /p2p/<self>
func (s *Server) relayAddrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range s.host.Addrs() {
		if types.IsRelayAddr(a) {
			continue
		}
		if full, err := types.P2PAddr(a, s.host.ID()); err == nil {
			out = append(out, full)
		}
	}
	return out
}

func (s *Server) limit() *pb.Limit {
	l := &pb.Limit{Duration: uint32(s.cfg.CircuitDuration / time.Second)}
	if s.cfg.CircuitData > 0 {
		l.Data = uint64(s.cfg.CircuitData)
	}
	return l
}

func (s *Server) disconnected(c interfaces.Conn) {
	p := c.RemotePeer()
	if len(s.host.ConnsToPeer(p)) > 0 {
		return
	}
	s.mu.Lock()
	_, ok := s.reservations[p]
	delete(s.reservations, p)
	s.mu.Unlock()
	if ok {
		s.host.Unprotect(p, protectTag)
		log.Debug("节点断开，移除预约", "peer", p.ShortString())
	}
}

func (s *Server) gcLoop() {
	defer s.wg.Done()
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			s.mu.Lock()
			for p, exp := range s.reservations {
				if now.After(exp) {
					delete(s.reservations, p)
					s.host.Unprotect(p, protectTag)
					log.Debug("预约过期", "peer", p.ShortString())
				}
			}
			s.mu.Unlock()
		}
	}
}

// ============================================================================
//                              电路
// ============================================================================

func (s *Server) handleConnect(src interfaces.Stream, msg *pb.HopMessage) {
	srcPeer := src.Conn().RemotePeer()
	if src.Conn().Stat().Relayed {
		s.replyStatus(src, pb.StatusPermissionDenied)
		return
	}
	if msg.Peer == nil {
		s.replyStatus(src, pb.StatusMalformedMessage)
		return
	}
	dst := msg.Peer.ID
	if !s.HasReservation(dst) {
		s.replyStatus(src, pb.StatusNoReservation)
		return
	}
	if err := s.limiter.AcquireCircuit(srcPeer); err != nil {
		s.replyStatus(src, pb.StatusResourceLimitExceeded)
		return
	}

	dstStream, err := s.openStop(srcPeer, dst)
	if err != nil {
		s.limiter.ReleaseCircuit(srcPeer)
		log.Debug("连接目标失败", "src", srcPeer.ShortString(), "dst", dst.ShortString(), "err", err)
		s.replyStatus(src, pb.StatusConnectionFailed)
		return
	}

	if err := pb.WriteHop(src, &pb.HopMessage{Type: pb.HopStatus, Status: pb.StatusOK, Limit: s.limit()}); err != nil {
		s.limiter.ReleaseCircuit(srcPeer)
		src.Reset()
		dstStream.Reset()
		return
	}

	log.Debug("电路建立", "src", srcPeer.ShortString(), "dst", dst.ShortString())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limiter.ReleaseCircuit(srcPeer)
		s.relayData(src, dstStream)
	}()
}

// openStop 在目标的现有连接上打开 STOP 流并等待确认
func (s *Server) openStop(src, dst types.PeerID) (interfaces.Stream, error) {
	if len(s.host.ConnsToPeer(dst)) == 0 {
		return nil, errors.New("target not connected")
	}
	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	st, err := s.host.NewStream(ctx, dst, StopProtocol)
	if err != nil {
		return nil, err
	}
	_ = st.SetDeadline(time.Now().Add(handshakeTimeout))

	req := &pb.StopMessage{
		Type:  pb.StopConnect,
		Peer:  &pb.Peer{ID: src},
		Limit: s.limit(),
	}
	if err := pb.WriteStop(st, req); err != nil {
		st.Reset()
		return nil, err
	}
	resp, err := pb.ReadStop(st)
	if err != nil {
		st.Reset()
		return nil, err
	}
	if resp.Type != pb.StopStatus || resp.Status != pb.StatusOK {
		st.Reset()
		return nil, errors.New("target refused: " + resp.Status.String())
	}
	return st, nil
}

// relayData 双向转发直到两侧结束、超时或超出字节上限
func (s *Server) relayData(a, b interfaces.Stream) {
	deadline := time.Now().Add(s.cfg.CircuitDuration)
	_ = a.SetDeadline(deadline)
	_ = b.SetDeadline(deadline)

	stop := context.AfterFunc(s.ctx, func() {
		a.Reset()
		b.Reset()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.copyWithLimit(b, a)
	}()
	go func() {
		defer wg.Done()
		s.copyWithLimit(a, b)
	}()
	wg.Wait()

	a.Close()
	b.Close()
}

// copyWithLimit 单方向复制；对端正常结束时半关闭，超限时重置两侧
func (s *Server) copyWithLimit(dst, src interfaces.Stream) {
	limit := s.cfg.CircuitData
	if limit <= 0 {
		n, err := io.Copy(dst, src)
		s.bytesRelayed.Add(n)
		s.finishCopy(dst, src, err == nil)
		return
	}

	n, err := io.CopyN(dst, src, limit)
	s.bytesRelayed.Add(n)
	switch {
	case errors.Is(err, io.EOF):
		s.finishCopy(dst, src, true)
	case err != nil:
		s.finishCopy(dst, src, false)
	default:
		// 恰好用完额度：只有对端随即结束才算正常
		var one [1]byte
		_, rerr := src.Read(one[:])
		if !errors.Is(rerr, io.EOF) {
			log.Debug("电路超出数据上限", "bytes", n)
		}
		s.finishCopy(dst, src, errors.Is(rerr, io.EOF))
	}
}

func (s *Server) finishCopy(dst, src interfaces.Stream, clean bool) {
	if clean {
		_ = dst.CloseWrite()
		return
	}
	dst.Reset()
	src.Reset()
}
