package types

import ma "github.com/multiformats/go-multiaddr"

// ============================================================================
//                              Direction
// ============================================================================

// Direction 连接/流方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 入站
	DirInbound
	// DirOutbound 出站
	DirOutbound
)

// String 返回方向名称
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Reachability
// ============================================================================

// Reachability NAT 可达性状态
type Reachability int

const (
	// ReachabilityUnknown 尚未确定
	ReachabilityUnknown Reachability = iota
	// ReachabilityPublic 公网可达
	ReachabilityPublic
	// ReachabilityPrivate 位于 NAT 之后
	ReachabilityPrivate
)

// String 返回状态名称
func (r Reachability) String() string {
	switch r {
	case ReachabilityPublic:
		return "Public"
	case ReachabilityPrivate:
		return "Private"
	default:
		return "Unknown"
	}
}

// NATStatus AutoNAT 三态结果
//
// 仅当 Reachability 为 Public 时 Addr 有效，为被确认的外部地址。
type NATStatus struct {
	Reachability Reachability
	Addr         ma.Multiaddr
}

// String 返回状态描述
func (s NATStatus) String() string {
	if s.Reachability == ReachabilityPublic && s.Addr != nil {
		return "Public(" + s.Addr.String() + ")"
	}
	return s.Reachability.String()
}
