package autonat

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

// maxMessageSize 单条消息上限
const maxMessageSize = 4096

// MessageType 消息类型
type MessageType uint64

const (
	MessageDial         MessageType = 0
	MessageDialResponse MessageType = 1
)

// ResponseStatus 回拨结果
type ResponseStatus uint64

const (
	StatusOK          ResponseStatus = 0
	StatusDialError   ResponseStatus = 100
	StatusDialRefused ResponseStatus = 101
	StatusBadRequest  ResponseStatus = 200
	StatusInternal    ResponseStatus = 300
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusDialError:
		return "E_DIAL_ERROR"
	case StatusDialRefused:
		return "E_DIAL_REFUSED"
	case StatusBadRequest:
		return "E_BAD_REQUEST"
	case StatusInternal:
		return "E_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", uint64(s))
	}
}

// message AutoNAT 消息
//
//	Message      {type=1, dial=2, dialResponse=3}
//	Dial         {peer=1 {id=1, addrs=2}}
//	DialResponse {status=1, statusText=2, addr=3}
type message struct {
	Type MessageType

	// DIAL
	Peer  types.PeerID
	Addrs []ma.Multiaddr

	// DIAL_RESPONSE
	Status     ResponseStatus
	StatusText string
	Addr       ma.Multiaddr
}

func (m *message) Marshal() []byte {
	b := pbio.AppendVarint(nil, 1, uint64(m.Type))
	switch m.Type {
	case MessageDial:
		peer := pbio.AppendBytes(nil, 1, m.Peer.Bytes())
		for _, a := range m.Addrs {
			peer = pbio.AppendBytes(peer, 2, a.Bytes())
		}
		b = pbio.AppendMessage(b, 2, pbio.AppendMessage(nil, 1, peer))
	case MessageDialResponse:
		resp := pbio.AppendVarint(nil, 1, uint64(m.Status))
		resp = pbio.AppendString(resp, 2, m.StatusText)
		if m.Addr != nil {
			resp = pbio.AppendBytes(resp, 3, m.Addr.Bytes())
		}
		b = pbio.AppendMessage(b, 3, resp)
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
			return pbio.ForEachField(f.Bytes, func(d pbio.Field) error {
				if d.Num != 1 {
					return nil
				}
				return pbio.ForEachField(d.Bytes, m.peerField)
			})
		case 3:
			return pbio.ForEachField(f.Bytes, func(r pbio.Field) error {
				switch r.Num {
				case 1:
					m.Status = ResponseStatus(r.Varint)
				case 2:
					m.StatusText = string(r.Bytes)
				case 3:
					if a, err := ma.NewMultiaddrBytes(r.Bytes); err == nil {
						m.Addr = a
					}
				}
				return nil
			})
		}
		return nil
	})
	if err == nil && !seenType {
		err = fmt.Errorf("%w: missing type", pbio.ErrMalformed)
	}
	return err
}

func (m *message) peerField(f pbio.Field) error {
	switch f.Num {
	case 1:
		id, err := types.PeerIDFromBytes(f.Bytes)
		if err != nil {
			return err
		}
		m.Peer = id
	case 2:
		if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
			m.Addrs = append(m.Addrs, a)
		}
	}
	return nil
}
