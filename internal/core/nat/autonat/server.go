package autonat

import (
	"context"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/time/rate"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

// maxDialAddrs 单次请求最多尝试的地址数
const maxDialAddrs = 8

// ServerConfig 服务端配置
type ServerConfig struct {
	// RateLimit 每秒请求数
	RateLimit float64
	Burst     int

	// DialTimeout 回拨总超时
	DialTimeout time.Duration

	// AllowPrivateAddrs 允许回拨非公网地址（本机测试）
	AllowPrivateAddrs bool
}

// Server 为其他节点回拨地址
type Server struct {
	host interfaces.Host
	cfg  ServerConfig
	lim  *rate.Limiter

	mu       sync.Mutex
	inflight map[types.PeerID]struct{}
}

// NewServer 创建服务端
func NewServer(h interfaces.Host, cfg ServerConfig) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Server{
		host:     h,
		cfg:      cfg,
		lim:      rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		inflight: make(map[types.PeerID]struct{}),
	}
}

// Start 注册处理函数
func (s *Server) Start() {
	s.host.SetStreamHandler(ProtocolID, s.handle)
}

// Stop 移除处理函数
func (s *Server) Stop() {
	s.host.RemoveStreamHandler(ProtocolID)
}

func (s *Server) handle(st interfaces.Stream) {
	defer st.Close()
	interfaces.MarkTransient(st)
	_ = st.SetDeadline(time.Now().Add(s.cfg.DialTimeout + 10*time.Second))

	p := st.Conn().RemotePeer()
	b, err := pbio.NewReader(st, maxMessageSize).ReadMsg()
	if err != nil {
		st.Reset()
		return
	}
	req := &message{}
	if err := req.Unmarshal(b); err != nil || req.Type != MessageDial {
		s.respond(st, &message{Type: MessageDialResponse, Status: StatusBadRequest, StatusText: "malformed request"})
		return
	}

	resp := s.handleDial(p, st.Conn(), req)
	log.Debug("回拨请求",
		"peer", p.ShortString(),
		"status", resp.Status.String(),
		"addr", resp.Addr)
	s.respond(st, resp)
}

func (s *Server) respond(st interfaces.Stream, m *message) {
	if err := pbio.NewWriter(st).WriteMsg(m.Marshal()); err != nil {
		st.Reset()
	}
}

func (s *Server) handleDial(p types.PeerID, conn interfaces.Conn, req *message) *message {
	refuse := func(status ResponseStatus, text string) *message {
		return &message{Type: MessageDialResponse, Status: status, StatusText: text}
	}

	if req.Peer != p {
		return refuse(StatusBadRequest, "peer id mismatch")
	}
	if conn.Stat().Relayed {
		return refuse(StatusDialRefused, "relayed connection")
	}
	if !s.lim.Allow() {
		return refuse(StatusDialRefused, "rate limited")
	}

	s.mu.Lock()
	if _, busy := s.inflight[p]; busy {
		s.mu.Unlock()
		return refuse(StatusDialRefused, "request in progress")
	}
	s.inflight[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, p)
		s.mu.Unlock()
	}()

	addrs := s.dialableAddrs(p, conn.RemoteMultiaddr(), req.Addrs)
	if len(addrs) == 0 {
		return refuse(StatusDialRefused, "no dialable addresses")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	for _, a := range addrs {
		c, err := s.host.DialAddr(ctx, p, a)
		if err != nil {
			log.Debug("回拨失败", "peer", p.ShortString(), "addr", a, "err", err)
			continue
		}
		// 回拨连接只用于验证
		_ = c.Close()
		return &message{Type: MessageDialResponse, Status: StatusOK, Addr: a}
	}
	return refuse(StatusDialError, "dial failed")
}

// dialableAddrs 只回拨与请求连接同一 IP 的地址，防止被用来攻击第三方
func (s *Server) dialableAddrs(p types.PeerID, observed ma.Multiaddr, addrs []ma.Multiaddr) []ma.Multiaddr {
	obsIP, err := manet.ToIP(observed)
	if err != nil {
		return nil
	}
	var out []ma.Multiaddr
	for _, a := range addrs {
		bare, id := types.SplitP2PAddr(a)
		if bare == nil || (id != "" && id != p) || types.IsRelayAddr(bare) {
			continue
		}
		ip, err := manet.ToIP(bare)
		if err != nil || !ip.Equal(obsIP) {
			continue
		}
		if !s.cfg.AllowPrivateAddrs && !manet.IsPublicAddr(bare) {
			continue
		}
		out = append(out, bare)
		if len(out) == maxDialAddrs {
			break
		}
	}
	return out
}
