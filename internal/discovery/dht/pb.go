package dht

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

// maxMessageSize 单条消息上限
const maxMessageSize = 4 << 20

// maxPeerAddrs 单个节点携带的地址数上限
const maxPeerAddrs = 32

// MessageType Kademlia 消息类型
type MessageType uint64

// 只实现 FIND_NODE 与 PING；记录与 provider 类消息按未知类型处理
const (
	TypePutValue     MessageType = 0
	TypeGetValue     MessageType = 1
	TypeAddProvider  MessageType = 2
	TypeGetProviders MessageType = 3
	TypeFindNode     MessageType = 4
	TypePing         MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case TypePutValue:
		return "PUT_VALUE"
	case TypeGetValue:
		return "GET_VALUE"
	case TypeAddProvider:
		return "ADD_PROVIDER"
	case TypeGetProviders:
		return "GET_PROVIDERS"
	case TypeFindNode:
		return "FIND_NODE"
	case TypePing:
		return "PING"
	default:
		return fmt.Sprintf("TYPE(%d)", uint64(t))
	}
}

// ConnectionType 节点连接状态提示
type ConnectionType uint64

const (
	NotConnected ConnectionType = iota
	Connected
	CanConnect
	CannotConnect
)

// peerInfo Message.Peer {id=1, addrs=2, connection=3}
type peerInfo struct {
	ID         types.PeerID
	Addrs      []ma.Multiaddr
	Connection ConnectionType
}

func (p *peerInfo) marshal() []byte {
	b := pbio.AppendBytes(nil, 1, p.ID.Bytes())
	for _, a := range p.Addrs {
		b = pbio.AppendBytes(b, 2, a.Bytes())
	}
	return pbio.AppendVarint(b, 3, uint64(p.Connection))
}

func (p *peerInfo) unmarshal(b []byte) error {
	*p = peerInfo{}
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case 1:
			id, err := types.PeerIDFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			p.ID = id
		case 2:
			if len(p.Addrs) >= maxPeerAddrs {
				return nil
			}
			if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
				p.Addrs = append(p.Addrs, a)
			}
		case 3:
			p.Connection = ConnectionType(f.Varint)
		}
		return nil
	})
	if err == nil && p.ID.IsEmpty() {
		err = fmt.Errorf("%w: peer without id", pbio.ErrMalformed)
	}
	return err
}

// message Message {type=1, key=2, closerPeers=8, clusterLevelRaw=10}
type message struct {
	Type        MessageType
	Key         []byte
	CloserPeers []peerInfo
}

func (m *message) Marshal() []byte {
	b := pbio.AppendVarint(nil, 1, uint64(m.Type))
	b = pbio.AppendBytes(b, 2, m.Key)
	for i := range m.CloserPeers {
		b = pbio.AppendMessage(b, 8, m.CloserPeers[i].marshal())
	}
	return b
}

func (m *message) Unmarshal(b []byte) error {
	*m = message{}
	return pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case 1:
			m.Type = MessageType(f.Varint)
		case 2:
			m.Key = append([]byte(nil), f.Bytes...)
		case 8:
			var p peerInfo
			if err := p.unmarshal(f.Bytes); err != nil {
				// 单个坏节点不影响其余结果
				return nil
			}
			m.CloserPeers = append(m.CloserPeers, p)
		}
		return nil
	})
}

func toAddrInfo(p peerInfo) types.AddrInfo {
	return types.AddrInfo{ID: p.ID, Addrs: p.Addrs}
}
