package void

import (
	"context"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/core/storage"
	"github.com/void-p2p/go-void/pkg/types"
)

// ============================================================================
//                              宿主通知
// ============================================================================

// 事件名
const (
	EventNetwork = "network-event"
	EventSignal  = "signal-event"
)

// Notifier 宿主事件接收方
//
// Emit 在 Bridge 循环中同步调用，实现不应阻塞；接收方缺席时事件直接丢弃。
type Notifier interface {
	Emit(name string, payload any)
}

// NotifierFunc 函数适配器
type NotifierFunc func(name string, payload any)

// Emit 调用 f
func (f NotifierFunc) Emit(name string, payload any) { f(name, payload) }

type nopNotifier struct{}

func (nopNotifier) Emit(string, any) {}

// NetworkKind network-event 种类
type NetworkKind string

const (
	NetListening         NetworkKind = "listening"
	NetListenExpired     NetworkKind = "listen-expired"
	NetConnected         NetworkKind = "connected"
	NetDisconnected      NetworkKind = "disconnected"
	NetDialFailed        NetworkKind = "dial-failed"
	NetNATStatus         NetworkKind = "nat-status"
	NetReservation       NetworkKind = "relay-reservation"
	NetReservationFailed NetworkKind = "relay-reservation-failed"
	NetReservationLost   NetworkKind = "relay-reservation-expired"
	NetHolePunch         NetworkKind = "hole-punch"
	NetPeerDiscovered    NetworkKind = "peer-discovered"
	NetPeerExpired       NetworkKind = "peer-expired"
	NetSignalDelivered   NetworkKind = "signal-delivered"
	NetSignalFailed      NetworkKind = "signal-failed"
)

// NetworkEvent network-event 载荷
type NetworkEvent struct {
	Kind    NetworkKind `json:"kind"`
	PeerID  string      `json:"peerId,omitempty"`
	Address string      `json:"address,omitempty"`
	Relayed bool        `json:"relayed,omitempty"`

	// Status NAT 可达性（Public / Private / Unknown）或打洞结果
	Status string `json:"status,omitempty"`

	// VoidCode 监听到中继电路地址时的本地会合码
	VoidCode string `json:"voidCode,omitempty"`

	// Error 失败原因
	Error string `json:"error,omitempty"`
}

// SignalEvent signal-event 载荷
type SignalEvent struct {
	PeerID  string `json:"peerId"`
	Payload string `json:"payload"`
}

// IdentityInfo GetIdentity 的应答
type IdentityInfo struct {
	PeerID types.PeerID

	// Addrs 外部地址优先，没有时为监听地址
	Addrs []ma.Multiaddr

	// ListenAddrs 全部监听地址（含中继电路地址）
	ListenAddrs []ma.Multiaddr
}

// ============================================================================
//                              消息历史
// ============================================================================

// Message 一条信令记录
type Message = storage.Message

// MessageSink 只追加的消息历史
type MessageSink interface {
	Append(ctx context.Context, m Message) error
}
