package interfaces

import (
	"context"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// ============================================================================
//                              Conn / Stream
// ============================================================================

// ConnStat 连接统计
type ConnStat struct {
	Direction types.Direction
	Opened    time.Time
	// Relayed 是否经中继电路
	Relayed bool
	// NumStreams 当前打开的流数量
	NumStreams int
}

// Conn Swarm 管理的连接
type Conn interface {
	// ID 连接在本节点内的唯一编号
	ID() uint64

	LocalPeer() types.PeerID
	RemotePeer() types.PeerID
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr

	// NewStream 打开新流（尚未协商协议）
	NewStream(ctx context.Context) (Stream, error)

	// Stat 连接统计
	Stat() ConnStat

	IsClosed() bool
	Close() error
}

// Stream 协议流
type Stream interface {
	MuxedStream

	// Protocol 协商后的协议
	Protocol() string

	// SetProtocol 设置协商后的协议
	SetProtocol(p string)

	// Conn 所属连接
	Conn() Conn
}

// StreamHandler 入站流处理函数
//
// 处理函数负责关闭或重置流。
type StreamHandler func(s Stream)

// ============================================================================
//                              Peerstore
// ============================================================================

// 地址有效期
const (
	// TempAddrTTL 临时地址（发现得到、未验证）
	TempAddrTTL = 2 * time.Minute

	// RecentlyConnectedAddrTTL 最近连接成功过的地址
	RecentlyConnectedAddrTTL = 30 * time.Minute

	// ConnectedAddrTTL 当前已连接（实际在断开时降级）
	ConnectedAddrTTL = 24 * time.Hour

	// PermanentAddrTTL 引导节点等配置地址
	PermanentAddrTTL = 100 * 365 * 24 * time.Hour
)

// Peerstore 地址簿与协议簿
type Peerstore interface {
	// AddAddrs 添加地址；已有地址取较长的 TTL
	AddAddrs(p types.PeerID, addrs []ma.Multiaddr, ttl time.Duration)

	// Addrs 返回未过期的地址
	Addrs(p types.PeerID) []ma.Multiaddr

	// UpdateAddrs 将 TTL 为 oldTTL 的地址改为 newTTL（断开时降级已连接地址）
	UpdateAddrs(p types.PeerID, oldTTL, newTTL time.Duration)

	// ClearAddrs 清除节点的全部地址
	ClearAddrs(p types.PeerID)

	// PeersWithAddrs 返回有地址的节点
	PeersWithAddrs() []types.PeerID

	// SetProtocols 记录节点支持的协议（来自 identify）
	SetProtocols(p types.PeerID, protos []string)

	// SupportsProtocol 节点是否声明支持该协议
	SupportsProtocol(p types.PeerID, proto string) bool

	// AddPubKey 记录节点公钥；公钥必须与节点 ID 匹配
	AddPubKey(p types.PeerID, pub crypto.PublicKey) error

	// PubKey 返回节点公钥（可从 ID 内嵌的 Ed25519 公钥还原）
	PubKey(p types.PeerID) (crypto.PublicKey, error)

	// SetAgentVersion 记录 identify 得到的 agent 版本
	SetAgentVersion(p types.PeerID, agent string)

	// AgentVersion 节点的 agent 版本
	AgentVersion(p types.PeerID) string

	// PeerInfo 返回 AddrInfo
	PeerInfo(p types.PeerID) types.AddrInfo

	// RemovePeer 删除节点的全部记录
	RemovePeer(p types.PeerID)
}

// ============================================================================
//                              Host
// ============================================================================

// Host 协议服务看到的节点门面
type Host interface {
	// ID 本地节点 ID
	ID() types.PeerID

	// Addrs 本地可公告的地址（外部地址优先，其次监听地址）
	Addrs() []ma.Multiaddr

	// ListenAddrs 实际监听地址（已展开通配地址，含中继电路地址）
	ListenAddrs() []ma.Multiaddr

	// Peerstore 地址簿
	Peerstore() Peerstore

	// Connect 确保与节点建立连接；已有连接时直接返回
	Connect(ctx context.Context, pi types.AddrInfo) error

	// NewStream 打开流并协商协议（依次尝试 protos）
	NewStream(ctx context.Context, p types.PeerID, protos ...string) (Stream, error)

	// SetStreamHandler 注册入站流处理函数
	SetStreamHandler(proto string, handler StreamHandler)

	// RemoveStreamHandler 移除入站流处理函数
	RemoveStreamHandler(proto string)

	// ConnsToPeer 与节点的现有连接
	ConnsToPeer(p types.PeerID) []Conn

	// Peers 当前已连接的节点
	Peers() []types.PeerID

	// DialAddr 在指定地址上建立新连接（打洞、会合码拨号）
	DialAddr(ctx context.Context, p types.PeerID, addr ma.Multiaddr) (Conn, error)

	// Notify 注册连接变化回调
	Notify(n Notifiee)

	// Protect 保护与节点的连接不被空闲关闭
	Protect(p types.PeerID, tag string)

	// Unprotect 取消保护，返回是否仍受其他标签保护
	Unprotect(p types.PeerID, tag string) bool

	// Emit 向事件聚合器投递事件，通道持续满时丢弃
	Emit(ev types.Event)

	// Deliver 投递不可丢弃的事件，阻塞到送达、ctx 结束或 Host 关闭
	Deliver(ctx context.Context, ev types.Event) error
}

// Notifiee 连接变化回调，字段可为空
type Notifiee struct {
	Connected    func(c Conn)
	Disconnected func(c Conn)
}

// TransientStream 可标记为不阻止连接空闲关闭的流
type TransientStream interface {
	MarkTransient()
}

// MarkTransient 流实现了 TransientStream 时标记之
func MarkTransient(s Stream) {
	if ts, ok := s.(TransientStream); ok {
		ts.MarkTransient()
	}
}
