package types

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// ============================================================================
//                              Event - 事件接口
// ============================================================================

// Event 引擎事件
//
// 封闭的和类型：每个协议行为一个变体，全部定义在本文件中。
// Host 将各子系统的底层事件收窄为这些变体后交给 Bridge 循环。
// 使用 type switch 处理：
//
//	switch ev := e.(type) {
//	case *SwarmEvent:
//	case *SignalingEvent:
//	}
type Event interface {
	// Type 返回事件类型
	Type() string

	// Timestamp 返回事件时间戳
	Timestamp() time.Time

	sealed()
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	Time time.Time
}

// Timestamp 返回事件时间戳
func (e BaseEvent) Timestamp() time.Time {
	return e.Time
}

func (BaseEvent) sealed() {}

// NewBaseEvent 创建基础事件
func NewBaseEvent() BaseEvent {
	return BaseEvent{Time: time.Now()}
}

// ============================================================================
//                              Swarm（传输层）
// ============================================================================

// SwarmEventKind 传输层事件种类
type SwarmEventKind int

const (
	// NewListenAddr 新的监听地址
	NewListenAddr SwarmEventKind = iota
	// ExpiredListenAddr 监听地址失效
	ExpiredListenAddr
	// ConnectionEstablished 连接建立
	ConnectionEstablished
	// ConnectionClosed 连接关闭
	ConnectionClosed
	// OutgoingConnectionError 出站拨号失败
	OutgoingConnectionError
)

// SwarmEvent 监听与连接事件
type SwarmEvent struct {
	BaseEvent
	Kind      SwarmEventKind
	Peer      PeerID
	Addr      ma.Multiaddr
	Direction Direction
	Relayed   bool
	Err       error
}

// Type 返回事件类型
func (e *SwarmEvent) Type() string {
	switch e.Kind {
	case NewListenAddr:
		return "swarm.listen"
	case ExpiredListenAddr:
		return "swarm.listen_expired"
	case ConnectionEstablished:
		return "swarm.connected"
	case ConnectionClosed:
		return "swarm.disconnected"
	default:
		return "swarm.dial_error"
	}
}

// ============================================================================
//                              发现
// ============================================================================

// MDNSEvent 本地网络发现事件
type MDNSEvent struct {
	BaseEvent
	// Expired 为 true 表示这些节点的记录已过期
	Expired bool
	Peers   []AddrInfo
}

// Type 返回事件类型
func (e *MDNSEvent) Type() string {
	if e.Expired {
		return "mdns.expired"
	}
	return "mdns.discovered"
}

// DHTEvent 路由表事件
type DHTEvent struct {
	BaseEvent
	// Peer 加入路由表的节点
	Peer  PeerID
	Addrs []ma.Multiaddr
	// Bootstrapped 为 true 表示一次自查询（引导/刷新）完成
	Bootstrapped bool
	Err          error
}

// Type 返回事件类型
func (e *DHTEvent) Type() string {
	if e.Bootstrapped {
		return "dht.bootstrapped"
	}
	return "dht.routing_updated"
}

// ============================================================================
//                              Gossip
// ============================================================================

// GossipEvent 订阅主题收到的消息
type GossipEvent struct {
	BaseEvent
	Topic     string
	From      PeerID
	MessageID string
	Data      []byte
}

// Type 返回事件类型
func (e *GossipEvent) Type() string { return "gossip.message" }

// ============================================================================
//                              NAT / Relay / 打洞
// ============================================================================

// NATEvent 可达性状态变化
type NATEvent struct {
	BaseEvent
	Old NATStatus
	New NATStatus
}

// Type 返回事件类型
func (e *NATEvent) Type() string { return "autonat.status_changed" }

// RelayEventKind 中继事件种类
type RelayEventKind int

const (
	// ReservationAccepted 预约成功
	ReservationAccepted RelayEventKind = iota
	// ReservationFailed 预约失败
	ReservationFailed
	// ReservationExpired 预约过期且续约失败
	ReservationExpired
	// InboundCircuit 经中继的入站连接
	InboundCircuit
)

// RelayEvent 中继客户端事件
type RelayEvent struct {
	BaseEvent
	Kind  RelayEventKind
	Relay PeerID
	// Peer 仅 InboundCircuit 有效：经中继连入的节点
	Peer   PeerID
	Expire time.Time
	Err    error
}

// Type 返回事件类型
func (e *RelayEvent) Type() string {
	switch e.Kind {
	case ReservationAccepted:
		return "relay.reservation_accepted"
	case ReservationFailed:
		return "relay.reservation_failed"
	case ReservationExpired:
		return "relay.reservation_expired"
	default:
		return "relay.inbound_circuit"
	}
}

// HolePunchEvent 直连升级结果（仅用于观察）
type HolePunchEvent struct {
	BaseEvent
	Peer    PeerID
	Success bool
	Addr    ma.Multiaddr
	Err     error
}

// Type 返回事件类型
func (e *HolePunchEvent) Type() string { return "dcutr.result" }

// ============================================================================
//                              Identify / Ping
// ============================================================================

// IdentifyEvent 收到对端身份信息
type IdentifyEvent struct {
	BaseEvent
	Peer            PeerID
	AgentVersion    string
	ProtocolVersion string
	ListenAddrs     []ma.Multiaddr
	ObservedAddr    ma.Multiaddr
	Protocols       []string
	Err             error
}

// Type 返回事件类型
func (e *IdentifyEvent) Type() string { return "identify.received" }

// PingEvent 存活探测结果
type PingEvent struct {
	BaseEvent
	Peer PeerID
	RTT  time.Duration
	Err  error
}

// Type 返回事件类型
func (e *PingEvent) Type() string { return "ping.result" }

// ============================================================================
//                              Signaling
// ============================================================================

// SignalingEventKind 信令事件种类
type SignalingEventKind int

const (
	// SignalInboundRequest 收到请求，需要通过 Respond 应答
	SignalInboundRequest SignalingEventKind = iota
	// SignalResponse 收到对己方请求的应答
	SignalResponse
	// SignalOutboundFailure 己方请求失败
	SignalOutboundFailure
	// SignalInboundFailure 入站请求处理失败（读帧/写应答失败）
	SignalInboundFailure
)

// RespondFunc 一次性应答通道
//
// 第二次调用返回错误；不调用时对端在超时后得到失败。
type RespondFunc func(token string) error

// SignalingEvent 信令请求/应答事件
type SignalingEvent struct {
	BaseEvent
	Kind      SignalingEventKind
	Peer      PeerID
	RequestID uint64
	// Payload 请求文本（SignalInboundRequest）
	Payload string
	// Token 应答令牌（SignalResponse）
	Token   string
	Respond RespondFunc
	Err     error
}

// Type 返回事件类型
func (e *SignalingEvent) Type() string {
	switch e.Kind {
	case SignalInboundRequest:
		return "signaling.request"
	case SignalResponse:
		return "signaling.response"
	case SignalOutboundFailure:
		return "signaling.outbound_failure"
	default:
		return "signaling.inbound_failure"
	}
}
