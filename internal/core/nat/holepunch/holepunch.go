// Package holepunch 实现经中继协调的直连升级（DCUtR）
//
// 节点收到经中继的入站连接后，在该连接上与对端交换地址：
//
//	发起方  ── CONNECT(本方地址) ──▶  响应方     发起方记下往返时间
//	发起方  ◀── CONNECT(对端地址) ──  响应方
//	发起方  ──────── SYNC ─────────▶  响应方     响应方立即拨号
//	发起方  等待 RTT/2 后打洞并拨号
//
// QUIC 地址优先：发起方先通过共享 UDP socket 向对端地址发送随机包，
// 在本地 NAT 上打开映射，再与对端的拨号相遇。直连建立后中继连接
// 由空闲回收关闭。TCP 同时打开不做专门处理，只是普通拨号。
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("nat/holepunch")

// ProtocolID DCUtR 协议
const ProtocolID = protocolids.HolePunch

var (
	// ErrNoAddrs 一方没有可用于直连的地址
	ErrNoAddrs = errors.New("holepunch: no addresses to punch")

	// ErrNoRelayedConn 与对端没有经中继的连接
	ErrNoRelayedConn = errors.New("holepunch: no relayed connection")

	// ErrInProgress 对该节点的打洞正在进行
	ErrInProgress = errors.New("holepunch: already in progress")

	// ErrFailed 所有尝试都未建立直连
	ErrFailed = errors.New("holepunch: all attempts failed")
)

// Puncher 能在本地 NAT 上预先打开 UDP 映射的传输
type Puncher interface {
	Punch(raddr ma.Multiaddr) error
}

// Config 打洞配置
type Config struct {
	MaxAttempts   int
	StreamTimeout time.Duration
	DialTimeout   time.Duration

	// Punchers 用于发送打洞包的传输（QUIC）
	Punchers []Puncher

	// Addrs 本方公告的直连地址，默认只取可能从公网到达的地址
	Addrs func() []ma.Multiaddr
}

// Service 打洞服务
type Service struct {
	host interfaces.Host
	cfg  Config

	mu       sync.Mutex
	inflight map[types.PeerID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务
func New(h interfaces.Host, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 60 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Addrs == nil {
		cfg.Addrs = func() []ma.Multiaddr { return nil }
	}
	return &Service{
		host:     h,
		cfg:      cfg,
		inflight: make(map[types.PeerID]struct{}),
	}
}

// Start 注册处理函数，并在经中继的入站连接上自动发起打洞
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.host.SetStreamHandler(ProtocolID, s.handle)
	s.host.Notify(interfaces.Notifiee{Connected: s.connected})
}

// Stop 停止服务
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.host.RemoveStreamHandler(ProtocolID)
}

func (s *Service) connected(c interfaces.Conn) {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	st := c.Stat()
	if !st.Relayed || st.Direction != types.DirInbound {
		return
	}
	p := c.RemotePeer()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// 等待对端 identify 与处理函数就绪
		select {
		case <-time.After(100 * time.Millisecond):
		case <-s.ctx.Done():
			return
		}
		if err := s.DirectConnect(s.ctx, p); err != nil && !errors.Is(err, ErrInProgress) {
			log.Debug("打洞失败", "peer", p.ShortString(), "err", err)
		}
	}()
}

// DirectConnect 经现有中继连接协调打洞，建立与对端的直连
//
// 已有直连时立即返回。结果以 HolePunchEvent 投递。
func (s *Service) DirectConnect(ctx context.Context, p types.PeerID) error {
	if s.hasDirect(p) {
		return nil
	}
	s.mu.Lock()
	if _, busy := s.inflight[p]; busy {
		s.mu.Unlock()
		return ErrInProgress
	}
	s.inflight[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, p)
		s.mu.Unlock()
	}()

	addr, err := s.initiate(ctx, p)
	ev := &types.HolePunchEvent{BaseEvent: types.NewBaseEvent(), Peer: p, Success: err == nil, Addr: addr, Err: err}
	s.host.Emit(ev)
	if err == nil {
		log.Info("打洞成功", "peer", p.ShortString(), "addr", addr)
	}
	return err
}

func (s *Service) initiate(ctx context.Context, p types.PeerID) (ma.Multiaddr, error) {
	if !s.hasRelayed(p) {
		return nil, ErrNoRelayedConn
	}
	local := s.localAddrs()
	if len(local) == 0 {
		return nil, ErrNoAddrs
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		remote, rtt, err := s.exchange(ctx, p, local)
		if err != nil {
			// 协议失败不重试
			return nil, err
		}

		select {
		case <-time.After(rtt / 2):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.punch(remote)

		addr, err := s.dialAny(ctx, p, remote)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if c := s.directConn(p); c != nil {
			// 对端的拨号先到达
			return c.RemoteMultiaddr(), nil
		}
		log.Debug("打洞尝试失败", "peer", p.ShortString(), "attempt", attempt, "err", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrFailed, lastErr)
}

// exchange 发起方的 CONNECT/SYNC 交换，返回对端地址与往返时间
func (s *Service) exchange(ctx context.Context, p types.PeerID, local []ma.Multiaddr) ([]ma.Multiaddr, time.Duration, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	defer cancel()
	st, err := s.host.NewStream(sctx, p, ProtocolID)
	if err != nil {
		return nil, 0, err
	}
	defer st.Close()
	interfaces.MarkTransient(st)
	_ = st.SetDeadline(time.Now().Add(s.cfg.StreamTimeout))

	w := pbio.NewWriter(st)
	r := pbio.NewReader(st, maxMessageSize)

	start := time.Now()
	if err := writeMsg(w, &message{Type: TypeConnect, ObsAddrs: local}); err != nil {
		st.Reset()
		return nil, 0, err
	}
	resp, err := readMsg(r, TypeConnect)
	if err != nil {
		st.Reset()
		return nil, 0, err
	}
	rtt := time.Since(start)

	remote := filterAddrs(resp.ObsAddrs)
	if len(remote) == 0 {
		st.Reset()
		return nil, 0, ErrNoAddrs
	}
	if err := writeMsg(w, &message{Type: TypeSync}); err != nil {
		st.Reset()
		return nil, 0, err
	}
	return remote, rtt, nil
}

// handle 响应方：回复 CONNECT，收到 SYNC 后立即拨号
func (s *Service) handle(st interfaces.Stream) {
	defer st.Close()
	interfaces.MarkTransient(st)
	_ = st.SetDeadline(time.Now().Add(s.cfg.StreamTimeout))

	p := st.Conn().RemotePeer()
	if !st.Conn().Stat().Relayed {
		st.Reset()
		return
	}
	w := pbio.NewWriter(st)
	r := pbio.NewReader(st, maxMessageSize)

	req, err := readMsg(r, TypeConnect)
	if err != nil {
		log.Debug("读取 CONNECT 失败", "peer", p.ShortString(), "err", err)
		st.Reset()
		return
	}
	remote := filterAddrs(req.ObsAddrs)
	local := s.localAddrs()
	if len(remote) == 0 || len(local) == 0 {
		st.Reset()
		return
	}
	if err := writeMsg(w, &message{Type: TypeConnect, ObsAddrs: local}); err != nil {
		st.Reset()
		return
	}
	if _, err := readMsg(r, TypeSync); err != nil {
		st.Reset()
		return
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := s.dialAny(ctx, p, remote)
	if err != nil {
		log.Debug("响应方拨号失败", "peer", p.ShortString(), "err", err)
		return
	}
	log.Debug("响应方建立直连", "peer", p.ShortString(), "addr", addr)
}

// punch 向对端的 QUIC 地址发送打洞包
func (s *Service) punch(addrs []ma.Multiaddr) {
	for _, a := range addrs {
		if !isQUIC(a) {
			continue
		}
		for _, pu := range s.cfg.Punchers {
			if err := pu.Punch(a); err != nil {
				log.Debug("发送打洞包失败", "addr", a, "err", err)
			}
		}
	}
}

// dialAny 依次拨号，QUIC 地址在前
func (s *Service) dialAny(ctx context.Context, p types.PeerID, addrs []ma.Multiaddr) (ma.Multiaddr, error) {
	var lastErr error = ErrNoAddrs
	for _, a := range addrs {
		if s.directConn(p) != nil {
			return a, nil
		}
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		_, err := s.host.DialAddr(dctx, p, a)
		cancel()
		if err == nil {
			return a, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Service) localAddrs() []ma.Multiaddr {
	return filterAddrs(s.cfg.Addrs())
}

func (s *Service) hasDirect(p types.PeerID) bool { return s.directConn(p) != nil }

func (s *Service) directConn(p types.PeerID) interfaces.Conn {
	for _, c := range s.host.ConnsToPeer(p) {
		if !c.Stat().Relayed {
			return c
		}
	}
	return nil
}

func (s *Service) hasRelayed(p types.PeerID) bool {
	for _, c := range s.host.ConnsToPeer(p) {
		if c.Stat().Relayed {
			return true
		}
	}
	return false
}

// filterAddrs 去掉中继地址与 /p2p 后缀，QUIC 排在前面
func filterAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || types.IsRelayAddr(a) {
			continue
		}
		bare, _ := types.SplitP2PAddr(a)
		if bare == nil {
			continue
		}
		out = append(out, bare)
		if len(out) == maxObsAddrs {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return isQUIC(out[i]) && !isQUIC(out[j]) })
	return out
}

func isQUIC(a ma.Multiaddr) bool {
	_, err := a.ValueForProtocol(ma.P_QUIC_V1)
	return err == nil
}
