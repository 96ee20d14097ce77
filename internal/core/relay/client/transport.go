package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/internal/core/relay/pb"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

// TransportName 电路传输名称
const TransportName = "circuit"

var (
	// ErrNotCircuitAddr 地址不含 /p2p-circuit
	ErrNotCircuitAddr = errors.New("relay: not a circuit address")

	// ErrNoRelayID 电路地址缺少中继 ID
	ErrNoRelayID = errors.New("relay: circuit address without relay id")

	// ErrMultiHop 不支持多跳电路
	ErrMultiHop = errors.New("relay: multi-hop circuits are not supported")

	// ErrAlreadyListening 电路监听器已存在
	ErrAlreadyListening = errors.New("relay: circuit listener already exists")
)

// ErrStatus 中继返回的非 OK 状态
type ErrStatus struct {
	Status pb.Status
}

func (e *ErrStatus) Error() string {
	return "relay: " + e.Status.String()
}

// circuitProto /p2p-circuit 组件
var circuitProto = ma.StringCast("/p2p-circuit")

// incomingQueue 等待升级的入站电路数
const incomingQueue = 16

// Transport 中继电路传输
//
// 出站经 HOP CONNECT 建立到目标的流；入站由 STOP 处理函数投递。
// 两个方向都在流上重新执行 Noise + yamux 升级，中继看不到明文。
type Transport struct {
	host interfaces.Host
	up   *upgrader.Upgrader

	mu       sync.Mutex
	listener *rawListener
	addrs    func() []ma.Multiaddr
}

var _ interfaces.Transport = (*Transport)(nil)

// NewTransport 创建电路传输；addrs 返回当前的电路监听地址
func NewTransport(h interfaces.Host, up *upgrader.Upgrader, addrs func() []ma.Multiaddr) *Transport {
	if addrs == nil {
		addrs = func() []ma.Multiaddr { return nil }
	}
	return &Transport{host: h, up: up, addrs: addrs}
}

// Name 传输名称
func (t *Transport) Name() string { return TransportName }

// Protocols 按 /p2p-circuit 路由
func (t *Transport) Protocols() []int { return []int{ma.P_CIRCUIT} }

// CanDial 地址含 /p2p-circuit
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	return types.IsRelayAddr(addr)
}

// SplitCircuitAddr 拆出中继部分：<relay-addr>/p2p/<relay>/p2p-circuit[/p2p/<dst>]
func SplitCircuitAddr(addr ma.Multiaddr) (types.AddrInfo, error) {
	if !types.IsRelayAddr(addr) {
		return types.AddrInfo{}, ErrNotCircuitAddr
	}
	relayPart := addr.Decapsulate(circuitProto)
	if relayPart == nil {
		return types.AddrInfo{}, ErrNoRelayID
	}
	if types.IsRelayAddr(relayPart) {
		return types.AddrInfo{}, ErrMultiHop
	}
	info, err := types.AddrInfoFromP2pAddr(relayPart)
	if err != nil {
		return types.AddrInfo{}, fmt.Errorf("%w: %v", ErrNoRelayID, err)
	}
	return *info, nil
}

// Dial 经中继连接目标 p
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p types.PeerID) (interfaces.CapableConn, error) {
	relay, err := SplitCircuitAddr(raddr)
	if err != nil {
		return nil, err
	}
	if relay.ID == t.host.ID() || relay.ID == p {
		return nil, fmt.Errorf("relay: invalid relay %s for %s", relay.ID.ShortString(), p.ShortString())
	}

	if err := t.host.Connect(ctx, relay); err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	st, err := t.host.NewStream(ctx, relay.ID, HopProtocol)
	if err != nil {
		return nil, fmt.Errorf("open hop stream: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}

	if err := pb.WriteHop(st, &pb.HopMessage{Type: pb.HopConnect, Peer: &pb.Peer{ID: p}}); err != nil {
		st.Reset()
		return nil, err
	}
	resp, err := pb.ReadHop(st)
	if err != nil {
		st.Reset()
		return nil, fmt.Errorf("read hop response: %w", err)
	}
	if resp.Type != pb.HopStatus {
		st.Reset()
		return nil, &ErrStatus{Status: pb.StatusUnexpectedMessage}
	}
	if resp.Status != pb.StatusOK {
		st.Reset()
		return nil, &ErrStatus{Status: resp.Status}
	}
	_ = st.SetDeadline(time.Time{})

	log.Debug("电路已建立", "relay", relay.ID.ShortString(), "peer", p.ShortString())
	raw := newCircuitConn(st, circuitProto, raddr)
	return t.up.Upgrade(ctx, raw, types.DirOutbound, p, upgrader.Endpoint{
		Local:     circuitProto,
		Remote:    raddr,
		Transport: TransportName,
	})
}

// Listen 只接受 /p2p-circuit；实际地址随预约变化
func (t *Transport) Listen(laddr ma.Multiaddr) (interfaces.Listener, error) {
	if !types.IsRelayAddr(laddr) {
		return nil, ErrNotCircuitAddr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil, ErrAlreadyListening
	}
	raw := &rawListener{
		t:        t,
		incoming: make(chan manet.Conn, incomingQueue),
		closed:   make(chan struct{}),
	}
	t.listener = raw
	return &circuitListener{
		Listener: t.up.UpgradeListener(raw, TransportName),
		addrs:    t.addrs,
	}, nil
}

// deliver 把入站电路交给监听器
func (t *Transport) deliver(c manet.Conn) error {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return errors.New("relay: not listening on circuits")
	}
	select {
	case l.incoming <- c:
		return nil
	case <-l.closed:
		return net.ErrClosed
	default:
		return errors.New("relay: circuit accept queue full")
	}
}

func (t *Transport) listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil
}

// Close 关闭监听器
func (t *Transport) Close() error {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

// ============================================================================
//                              监听器
// ============================================================================

// rawListener 未升级的入站电路
type rawListener struct {
	t         *Transport
	incoming  chan manet.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *rawListener) Accept() (manet.Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *rawListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.t.mu.Lock()
		if l.t.listener == l {
			l.t.listener = nil
		}
		l.t.mu.Unlock()
	})
	return nil
}

// Multiaddr 电路监听器没有单一地址
func (l *rawListener) Multiaddr() ma.Multiaddr { return nil }

// circuitListener 已升级的电路监听器，地址取自当前预约
type circuitListener struct {
	interfaces.Listener
	addrs func() []ma.Multiaddr
}

// Multiaddrs 当前的电路监听地址
func (l *circuitListener) Multiaddrs() []ma.Multiaddr {
	return l.addrs()
}
