package types

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
)

// AddrInfo 节点及其地址
type AddrInfo struct {
	ID    PeerID
	Addrs []ma.Multiaddr
}

// String 返回可读表示
func (ai AddrInfo) String() string {
	return fmt.Sprintf("{%s: %v}", ai.ID, ai.Addrs)
}

// SplitP2PAddr 将地址拆分为传输部分和末尾的 /p2p 节点 ID
//
// 地址不以 /p2p/<id> 结尾时返回原地址和空 ID。
// 中继地址 /ip4/.../p2p/<relay>/p2p-circuit/p2p/<target> 只拆掉最后一个 /p2p。
func SplitP2PAddr(addr ma.Multiaddr) (ma.Multiaddr, PeerID) {
	if addr == nil {
		return nil, EmptyPeerID
	}
	transport, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		return addr, EmptyPeerID
	}
	return transport, PeerID(last.RawValue())
}

// AddrInfoFromP2pAddr 从带 /p2p/<id> 后缀的地址构造 AddrInfo
func AddrInfoFromP2pAddr(addr ma.Multiaddr) (*AddrInfo, error) {
	transport, id := SplitP2PAddr(addr)
	if id.IsEmpty() {
		return nil, ErrNoP2PComponent
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	info := &AddrInfo{ID: id}
	if transport != nil {
		info.Addrs = []ma.Multiaddr{transport}
	}
	return info, nil
}

// P2PAddr 为地址追加 /p2p/<id> 组件
func P2PAddr(addr ma.Multiaddr, id PeerID) (ma.Multiaddr, error) {
	p2p, err := ma.NewComponent("p2p", id.String())
	if err != nil {
		return nil, err
	}
	if addr == nil {
		return p2p, nil
	}
	return addr.Encapsulate(p2p), nil
}

// IsRelayAddr 判断是否为中继电路地址
func IsRelayAddr(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}
