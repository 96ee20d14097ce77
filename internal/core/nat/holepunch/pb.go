package holepunch

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
)

// maxMessageSize 单条消息上限
const maxMessageSize = 4096

// maxObsAddrs CONNECT 中的地址数上限
const maxObsAddrs = 16

// MessageType 消息类型
type MessageType uint64

const (
	TypeConnect MessageType = 100
	TypeSync    MessageType = 300
)

func (t MessageType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeSync:
		return "SYNC"
	default:
		return fmt.Sprintf("TYPE(%d)", uint64(t))
	}
}

// message HolePunch {type=1, ObsAddrs=2}
type message struct {
	Type     MessageType
	ObsAddrs []ma.Multiaddr
}

func (m *message) Marshal() []byte {
	b := pbio.AppendVarint(nil, 1, uint64(m.Type))
	for _, a := range m.ObsAddrs {
		b = pbio.AppendBytes(b, 2, a.Bytes())
	}
	return b
}

func (m *message) Unmarshal(b []byte) error {
	*m = message{}
	seenType := false
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case 1:
			m.Type, seenType = MessageType(f.Varint), true
		case 2:
			if len(m.ObsAddrs) >= maxObsAddrs {
				return nil
			}
			if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
				m.ObsAddrs = append(m.ObsAddrs, a)
			}
		}
		return nil
	})
	if err == nil && !seenType {
		err = fmt.Errorf("%w: missing type", pbio.ErrMalformed)
	}
	return err
}

func writeMsg(w *pbio.Writer, m *message) error {
	return w.WriteMsg(m.Marshal())
}

// readMsg 读取一条消息并检查类型
func readMsg(r *pbio.Reader, want MessageType) (*message, error) {
	b, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}
	m := &message{}
	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	if m.Type != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", pbio.ErrMalformed, want, m.Type)
	}
	return m, nil
}
