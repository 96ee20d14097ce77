// Package identify 实现身份交换协议
//
// 连接建立后，拨号方与被拨方都向对端请求 identify 消息：
// 公钥、监听地址、支持的协议、对端看到的本方地址以及版本信息。
// 结果写入地址簿，并以 IdentifyEvent 交给 Host。
package identify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("protocol/identify")

// ProtocolID identify 协议
const ProtocolID = protocolids.Identify

// maxMessageSize 单条消息上限
const maxMessageSize = 64 << 10

// DefaultTimeout 单次交换超时
const DefaultTimeout = 30 * time.Second

var (
	// ErrKeyMismatch 公钥与节点 ID 不符
	ErrKeyMismatch = errors.New("identify: public key does not match peer id")
)

// ProtocolLister 列出本地已注册的协议
type ProtocolLister interface {
	Protocols() []string
}

// ObservedAddrRecorder 记录对端看到的本地地址
type ObservedAddrRecorder interface {
	RecordObservedAddr(observer types.PeerID, addr ma.Multiaddr)
}

// Config identify 配置
type Config struct {
	AgentVersion    string
	ProtocolVersion string
	Timeout         time.Duration
}

// Service identify 服务
type Service struct {
	host   interfaces.Host
	pubKey crypto.PublicKey
	cfg    Config

	mu   sync.Mutex
	done map[uint64]struct{} // 已完成或进行中的连接

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建服务
func NewService(h interfaces.Host, pub crypto.PublicKey, cfg Config) *Service {
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = protocolids.AgentVersion
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = protocolids.ProtocolVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{
		host:   h,
		pubKey: pub,
		cfg:    cfg,
		done:   make(map[uint64]struct{}),
	}
}

// Start 注册处理函数并在每个新连接上发起 identify
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.host.SetStreamHandler(ProtocolID, s.handle)
	s.host.Notify(interfaces.Notifiee{
		Connected:    s.connected,
		Disconnected: s.disconnected,
	})
	for _, p := range s.host.Peers() {
		for _, c := range s.host.ConnsToPeer(p) {
			s.connected(c)
		}
	}
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
	s.mu.Lock()
	if _, ok := s.done[c.ID()]; ok {
		s.mu.Unlock()
		return
	}
	s.done[c.ID()] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		defer cancel()
		if _, err := s.IdentifyConn(ctx, c); err != nil && s.ctx.Err() == nil {
			log.Debug("identify 失败", "peer", c.RemotePeer().ShortString(), "err", err)
		}
	}()
}

func (s *Service) disconnected(c interfaces.Conn) {
	s.mu.Lock()
	delete(s.done, c.ID())
	s.mu.Unlock()
}

// handle 服务端：写出本节点信息后关闭流
func (s *Service) handle(st interfaces.Stream) {
	defer st.Close()
	interfaces.MarkTransient(st)
	_ = st.SetDeadline(time.Now().Add(s.cfg.Timeout))

	msg := s.localInfo(st.Conn())
	if err := pbio.NewWriter(st).WriteMsg(msg.Marshal()); err != nil {
		log.Debug("写 identify 消息失败", "peer", st.Conn().RemotePeer().ShortString(), "err", err)
	}
}

// localInfo 构造本节点的 identify 消息
func (s *Service) localInfo(c interfaces.Conn) *Info {
	info := &Info{
		ListenAddrs:     s.host.Addrs(),
		ProtocolVersion: s.cfg.ProtocolVersion,
		AgentVersion:    s.cfg.AgentVersion,
	}
	if s.pubKey != nil {
		if b, err := crypto.MarshalPublicKey(s.pubKey); err == nil {
			info.PublicKey = b
		}
	}
	if pl, ok := s.host.(ProtocolLister); ok {
		info.Protocols = pl.Protocols()
	}
	if c != nil {
		info.ObservedAddr = c.RemoteMultiaddr()
	}
	return info
}

// IdentifyConn 在连接上请求对端信息并写入地址簿
func (s *Service) IdentifyConn(ctx context.Context, c interfaces.Conn) (*Info, error) {
	st, err := c.NewStream(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	interfaces.MarkTransient(st)

	info, err := request(ctx, st)
	if err != nil {
		st.Reset()
		s.emitResult(c.RemotePeer(), nil, err)
		return nil, err
	}
	if err := s.consume(c, info); err != nil {
		s.emitResult(c.RemotePeer(), nil, err)
		return nil, err
	}
	s.emitResult(c.RemotePeer(), info, nil)
	return info, nil
}

// request 客户端：协商协议并读取一条消息
func request(ctx context.Context, st interfaces.Stream) (*Info, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	if err := mss.SelectProtoOrFail(ProtocolID, st); err != nil {
		return nil, err
	}
	st.SetProtocol(ProtocolID)
	b, err := pbio.NewReader(st, maxMessageSize).ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("read identify: %w", err)
	}
	info := &Info{}
	if err := info.Unmarshal(b); err != nil {
		return nil, err
	}
	return info, nil
}

// consume 校验公钥并更新地址簿
func (s *Service) consume(c interfaces.Conn, info *Info) error {
	p := c.RemotePeer()
	ps := s.host.Peerstore()

	if len(info.PublicKey) > 0 {
		pub, err := crypto.UnmarshalPublicKey(info.PublicKey)
		if err != nil {
			return fmt.Errorf("identify public key: %w", err)
		}
		if !crypto.MatchesPublicKey(p, pub) {
			return ErrKeyMismatch
		}
		_ = ps.AddPubKey(p, pub)
	}

	var addrs []ma.Multiaddr
	for _, a := range info.ListenAddrs {
		// 带 /p2p 后缀的地址只接受对端自己的
		if bare, id := types.SplitP2PAddr(a); id.IsEmpty() || id == p {
			addrs = append(addrs, bare)
		}
	}
	if len(addrs) > 0 {
		ps.AddAddrs(p, addrs, interfaces.ConnectedAddrTTL)
	}
	ps.SetProtocols(p, info.Protocols)
	ps.SetAgentVersion(p, info.AgentVersion)

	if info.ObservedAddr != nil && !c.Stat().Relayed {
		if rec, ok := s.host.(ObservedAddrRecorder); ok {
			rec.RecordObservedAddr(p, info.ObservedAddr)
		}
	}
	return nil
}

func (s *Service) emitResult(p types.PeerID, info *Info, err error) {
	ev := &types.IdentifyEvent{BaseEvent: types.NewBaseEvent(), Peer: p, Err: err}
	if info != nil {
		ev.AgentVersion = info.AgentVersion
		ev.ProtocolVersion = info.ProtocolVersion
		ev.ListenAddrs = info.ListenAddrs
		ev.ObservedAddr = info.ObservedAddr
		ev.Protocols = info.Protocols
	}
	s.host.Emit(ev)
}
