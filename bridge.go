package void

import (
	"context"
	"log/slog"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/metrics"
	"github.com/void-p2p/go-void/internal/protocol/signaling"
	"github.com/void-p2p/go-void/pkg/types"
	"github.com/void-p2p/go-void/pkg/voidcode"
)

const (
	// ackToken 入站信令的固定应答
	ackToken = "ACK"

	// connectTimeout 单次拨号命令的总超时
	connectTimeout = time.Minute

	// sinkTimeout 写消息历史的超时
	sinkTimeout = 5 * time.Second
)

// pendingSignal 已发出、尚未得到应答的信令
type pendingSignal struct {
	peer types.PeerID
	text string
}

// bridge 独占引擎会话的命令/事件循环
//
// 每轮只处理一个命令或一个事件。pending 只在循环内访问。
type bridge struct {
	log       *slog.Logger
	host      *host.Host
	signaling *signaling.Service
	metrics   *metrics.Metrics
	notifier  Notifier
	sink      MessageSink

	cmds    <-chan Command
	pending map[signaling.RequestID]pendingSignal
}

// run 循环直到命令通道关闭或 Host 关闭
func (b *bridge) run() {
	b.log.Debug("Bridge 循环启动")
	events := b.host.Events()
	for {
		select {
		case cmd, ok := <-b.cmds:
			if !ok {
				b.log.Debug("命令通道关闭，Bridge 退出")
				return
			}
			b.handleCommand(cmd)
		case ev := <-events:
			b.handleEvent(ev)
		case <-b.host.Done():
			b.log.Warn("Host 已关闭，Bridge 退出")
			return
		}
	}
}

// ============================================================================
//                              命令
// ============================================================================

func (b *bridge) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case DialCommand:
		b.connect(types.AddrInfo{ID: c.Peer})
	case DialAddressCommand:
		ai, err := types.AddrInfoFromP2pAddr(c.Addr)
		if err != nil {
			b.log.Warn("拨号地址无效", "addr", c.Addr, "err", err)
			return
		}
		b.connect(*ai)
	case GetIdentityCommand:
		info := b.identity()
		select {
		case c.Reply <- info:
		default:
			b.log.Debug("身份查询的接收方已放弃")
		}
	case SendSignalCommand:
		b.sendSignal(c.Peer, c.Text)
	default:
		b.log.Warn("未知命令", "type", cmd)
	}
}

// connect 非阻塞拨号；结果以连接事件返回
func (b *bridge) connect(ai types.AddrInfo) {
	b.log.Info("拨号", "peer", ai.ID.ShortString(), "addrs", ai.Addrs)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := b.host.Connect(ctx, ai); err != nil {
			b.log.Warn("拨号失败", "peer", ai.ID.ShortString(), "err", err)
		}
	}()
}

func (b *bridge) identity() IdentityInfo {
	listen := b.host.ListenAddrs()
	addrs := b.host.ExternalAddrs()
	if len(addrs) == 0 {
		addrs = listen
	}
	return IdentityInfo{PeerID: b.host.ID(), Addrs: addrs, ListenAddrs: listen}
}

func (b *bridge) sendSignal(p types.PeerID, text string) {
	id, err := b.signaling.Send(p, text)
	if err != nil {
		b.log.Warn("信令发送失败", "peer", p.ShortString(), "err", err)
		b.notifier.Emit(EventNetwork, NetworkEvent{Kind: NetSignalFailed, PeerID: p.String(), Error: err.Error()})
		return
	}
	b.pending[id] = pendingSignal{peer: p, text: text}
	b.record(Message{PeerID: p, Content: text, IsSent: true})
	b.log.Debug("信令已入队", "peer", p.ShortString(), "request", id)
}

// record 追加消息历史，失败只记录日志
func (b *bridge) record(m Message) {
	if b.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := b.sink.Append(ctx, m); err != nil {
		b.log.Warn("写入消息历史失败", "peer", m.PeerID.ShortString(), "err", err)
	}
}

// ============================================================================
//                              事件
// ============================================================================

func (b *bridge) handleEvent(ev types.Event) {
	if b.metrics != nil {
		b.metrics.Observe(ev)
	}
	switch e := ev.(type) {
	case *types.SwarmEvent:
		b.handleSwarm(e)
	case *types.SignalingEvent:
		b.handleSignaling(e)
	case *types.NATEvent:
		b.log.Info("NAT 状态变化", "old", e.Old, "new", e.New)
		out := NetworkEvent{Kind: NetNATStatus, Status: e.New.Reachability.String()}
		if e.New.Addr != nil {
			out.Address = e.New.Addr.String()
		}
		b.notifier.Emit(EventNetwork, out)
	case *types.RelayEvent:
		b.handleRelay(e)
	case *types.HolePunchEvent:
		out := NetworkEvent{Kind: NetHolePunch, PeerID: e.Peer.String(), Status: "failed"}
		if e.Success {
			out.Status = "success"
			b.log.Info("打洞成功", "peer", e.Peer.ShortString(), "addr", e.Addr)
		} else {
			b.log.Debug("打洞失败", "peer", e.Peer.ShortString(), "err", e.Err)
		}
		if e.Addr != nil {
			out.Address = e.Addr.String()
		}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
		b.notifier.Emit(EventNetwork, out)
	case *types.MDNSEvent:
		kind := NetPeerDiscovered
		if e.Expired {
			kind = NetPeerExpired
		}
		for _, ai := range e.Peers {
			b.log.Debug("mDNS", "kind", kind, "peer", ai.ID.ShortString(), "addrs", ai.Addrs)
			out := NetworkEvent{Kind: kind, PeerID: ai.ID.String()}
			if len(ai.Addrs) > 0 {
				out.Address = ai.Addrs[0].String()
			}
			b.notifier.Emit(EventNetwork, out)
		}
	case *types.DHTEvent:
		if e.Bootstrapped {
			b.log.Debug("DHT 刷新完成", "err", e.Err)
		} else {
			b.log.Debug("路由表更新", "peer", e.Peer.ShortString())
		}
	case *types.IdentifyEvent:
		if e.Err != nil {
			b.log.Debug("identify 失败", "peer", e.Peer.ShortString(), "err", e.Err)
			return
		}
		b.log.Debug("identify", "peer", e.Peer.ShortString(), "agent", e.AgentVersion, "observed", e.ObservedAddr)
	case *types.PingEvent:
		b.log.Debug("ping", "peer", e.Peer.ShortString(), "rtt", e.RTT, "err", e.Err)
	case *types.GossipEvent:
		b.log.Debug("gossip 消息", "topic", e.Topic, "from", e.From.ShortString(), "id", e.MessageID)
	}
}

func (b *bridge) handleSwarm(e *types.SwarmEvent) {
	switch e.Kind {
	case types.NewListenAddr:
		b.log.Info("监听地址", "addr", e.Addr)
		out := NetworkEvent{Kind: NetListening, Address: addrString(e.Addr)}
		if types.IsRelayAddr(e.Addr) {
			if code, err := voidcode.ForLocalNode(b.host.ID(), []ma.Multiaddr{e.Addr}); err == nil {
				out.VoidCode = code
			}
		}
		b.notifier.Emit(EventNetwork, out)
	case types.ExpiredListenAddr:
		b.log.Info("监听地址失效", "addr", e.Addr)
		b.notifier.Emit(EventNetwork, NetworkEvent{Kind: NetListenExpired, Address: addrString(e.Addr)})
	case types.ConnectionEstablished:
		b.log.Info("连接建立", "peer", e.Peer.ShortString(), "addr", e.Addr, "dir", e.Direction, "relayed", e.Relayed)
		b.notifier.Emit(EventNetwork, NetworkEvent{
			Kind:    NetConnected,
			PeerID:  e.Peer.String(),
			Address: addrString(e.Addr),
			Relayed: e.Relayed,
		})
	case types.ConnectionClosed:
		b.log.Info("连接关闭", "peer", e.Peer.ShortString(), "relayed", e.Relayed)
		b.notifier.Emit(EventNetwork, NetworkEvent{
			Kind:    NetDisconnected,
			PeerID:  e.Peer.String(),
			Address: addrString(e.Addr),
			Relayed: e.Relayed,
		})
	case types.OutgoingConnectionError:
		b.log.Debug("出站连接失败", "peer", e.Peer.ShortString(), "err", e.Err)
		out := NetworkEvent{Kind: NetDialFailed, PeerID: e.Peer.String(), Address: addrString(e.Addr)}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
		b.notifier.Emit(EventNetwork, out)
	}
}

func (b *bridge) handleRelay(e *types.RelayEvent) {
	out := NetworkEvent{PeerID: e.Relay.String()}
	switch e.Kind {
	case types.ReservationAccepted:
		b.log.Info("中继预约成功", "relay", e.Relay.ShortString(), "expire", e.Expire)
		out.Kind = NetReservation
	case types.ReservationFailed:
		b.log.Warn("中继预约失败", "relay", e.Relay.ShortString(), "err", e.Err)
		out.Kind = NetReservationFailed
	case types.ReservationExpired:
		b.log.Warn("中继预约过期", "relay", e.Relay.ShortString())
		out.Kind = NetReservationLost
	default:
		// 入站电路以 ConnectionEstablished(relayed) 通知宿主
		b.log.Debug("入站中继电路", "relay", e.Relay.ShortString(), "peer", e.Peer.ShortString())
		return
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	b.notifier.Emit(EventNetwork, out)
}

func (b *bridge) handleSignaling(e *types.SignalingEvent) {
	switch e.Kind {
	case types.SignalInboundRequest:
		b.log.Info("收到信令", "peer", e.Peer.ShortString(), "request", e.RequestID)
		b.notifier.Emit(EventSignal, SignalEvent{PeerID: e.Peer.String(), Payload: e.Payload})
		if e.Respond != nil {
			if err := e.Respond(ackToken); err != nil {
				b.log.Warn("应答信令失败", "peer", e.Peer.ShortString(), "err", err)
			}
		}
		b.record(Message{PeerID: e.Peer, Content: e.Payload, IsSent: false})
	case types.SignalResponse:
		sent := b.pending[e.RequestID]
		delete(b.pending, e.RequestID)
		b.log.Info("信令已送达", "peer", e.Peer.ShortString(), "token", e.Token, "len", len(sent.text))
		b.notifier.Emit(EventNetwork, NetworkEvent{Kind: NetSignalDelivered, PeerID: e.Peer.String()})
	case types.SignalOutboundFailure:
		delete(b.pending, e.RequestID)
		b.log.Warn("信令未送达", "peer", e.Peer.ShortString(), "err", e.Err)
		out := NetworkEvent{Kind: NetSignalFailed, PeerID: e.Peer.String()}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
		b.notifier.Emit(EventNetwork, out)
	case types.SignalInboundFailure:
		b.log.Debug("入站信令失败", "peer", e.Peer.ShortString(), "err", e.Err)
	}
}

func addrString(a ma.Multiaddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
