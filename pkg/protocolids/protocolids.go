// Package protocolids 定义 VOID 使用的全部协议标识
//
// 传输升级与系统协议沿用 libp2p 的标识，便于与公共引导节点互通；
// 应用协议使用 /void/ 前缀。
package protocolids

// ============================================================================
// 连接升级
// ============================================================================

const (
	// Noise 安全通道
	Noise = "/noise"

	// Yamux 流多路复用
	Yamux = "/yamux/1.0.0"
)

// ============================================================================
// 系统协议
// ============================================================================

const (
	// Identify 身份交换
	Identify = "/ipfs/id/1.0.0"

	// Ping 存活探测
	Ping = "/ipfs/ping/1.0.0"

	// Kademlia 分布式路由表
	Kademlia = "/ipfs/kad/1.0.0"

	// AutoNAT NAT 状态探测（拨回）
	AutoNAT = "/libp2p/autonat/1.0.0"

	// RelayHop 中继服务端（预约 / 连接）
	RelayHop = "/libp2p/circuit/relay/0.2.0/hop"

	// RelayStop 中继目标端
	RelayStop = "/libp2p/circuit/relay/0.2.0/stop"

	// HolePunch 直连升级（DCUtR）
	HolePunch = "/libp2p/dcutr"

	// GossipSub 发布订阅
	GossipSub = "/meshsub/1.1.0"
)

// ============================================================================
// 应用协议
// ============================================================================

const (
	// Signaling 请求/应答信令
	Signaling = "/void/signaling/1.0.0"
)

// ============================================================================
// Identify 元数据
// ============================================================================

const (
	// AgentVersion identify 中声明的客户端版本
	AgentVersion = "void/1.0.1"

	// ProtocolVersion identify 中声明的协议版本
	ProtocolVersion = "/void/1.0.0"
)
