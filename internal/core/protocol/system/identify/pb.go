package identify

import (
	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
)

// identify.proto 字段号
const (
	fieldPublicKey       protowire.Number = 1
	fieldListenAddrs     protowire.Number = 2
	fieldProtocols       protowire.Number = 3
	fieldObservedAddr    protowire.Number = 4
	fieldProtocolVersion protowire.Number = 5
	fieldAgentVersion    protowire.Number = 6
)

// Info identify 消息
type Info struct {
	// PublicKey protobuf 编码的公钥
	PublicKey       []byte
	ListenAddrs     []ma.Multiaddr
	Protocols       []string
	ObservedAddr    ma.Multiaddr
	ProtocolVersion string
	AgentVersion    string
}

// Marshal 编码为 protobuf
func (m *Info) Marshal() []byte {
	var b []byte
	b = pbio.AppendBytes(b, fieldPublicKey, m.PublicKey)
	for _, a := range m.ListenAddrs {
		b = pbio.AppendBytes(b, fieldListenAddrs, a.Bytes())
	}
	for _, p := range m.Protocols {
		b = pbio.AppendString(b, fieldProtocols, p)
	}
	if m.ObservedAddr != nil {
		b = pbio.AppendBytes(b, fieldObservedAddr, m.ObservedAddr.Bytes())
	}
	b = pbio.AppendString(b, fieldProtocolVersion, m.ProtocolVersion)
	b = pbio.AppendString(b, fieldAgentVersion, m.AgentVersion)
	return b
}

// Unmarshal 解码；无法解析的地址被跳过
func (m *Info) Unmarshal(b []byte) error {
	*m = Info{}
	return pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case fieldPublicKey:
			m.PublicKey = append([]byte(nil), f.Bytes...)
		case fieldListenAddrs:
			if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
				m.ListenAddrs = append(m.ListenAddrs, a)
			}
		case fieldProtocols:
			m.Protocols = append(m.Protocols, string(f.Bytes))
		case fieldObservedAddr:
			if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
				m.ObservedAddr = a
			}
		case fieldProtocolVersion:
			m.ProtocolVersion = string(f.Bytes)
		case fieldAgentVersion:
			m.AgentVersion = string(f.Bytes)
		}
		return nil
	})
}
