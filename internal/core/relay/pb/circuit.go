// Package pb 中继电路 v2 的线上消息
//
//	HopMessage  {type=1, peer=2, reservation=3, limit=4, status=5}
//	StopMessage {type=1, peer=2, limit=3, status=4}
//	Peer        {id=1, addrs=2}
//	Reservation {expire=1, addrs=2, voucher=3}
//	Limit       {duration=1, data=2}
package pb

import (
	"fmt"
	"io"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

// MaxMessageSize 单条消息上限
const MaxMessageSize = 4096

// HopType HOP 消息类型
type HopType uint64

const (
	HopReserve HopType = 0
	HopConnect HopType = 1
	HopStatus  HopType = 2
)

// StopType STOP 消息类型
type StopType uint64

const (
	StopConnect StopType = 0
	StopStatus  StopType = 1
)

// Status 状态码
type Status uint64

const (
	StatusUnused                Status = 0
	StatusOK                    Status = 100
	StatusReservationRefused    Status = 200
	StatusResourceLimitExceeded Status = 201
	StatusPermissionDenied      Status = 202
	StatusConnectionFailed      Status = 203
	StatusNoReservation         Status = 204
	StatusMalformedMessage      Status = 400
	StatusUnexpectedMessage     Status = 401
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusReservationRefused:
		return "RESERVATION_REFUSED"
	case StatusResourceLimitExceeded:
		return "RESOURCE_LIMIT_EXCEEDED"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusConnectionFailed:
		return "CONNECTION_FAILED"
	case StatusNoReservation:
		return "NO_RESERVATION"
	case StatusMalformedMessage:
		return "MALFORMED_MESSAGE"
	case StatusUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint64(s))
	}
}

// Peer 节点信息
type Peer struct {
	ID    types.PeerID
	Addrs []ma.Multiaddr
}

// Reservation 预约
type Reservation struct {
	// Expire 过期时间（unix 秒）
	Expire  uint64
	Addrs   []ma.Multiaddr
	Voucher []byte
}

// Limit 电路限制；零值表示不限
type Limit struct {
	// Duration 秒
	Duration uint32
	// Data 单方向字节数
	Data uint64
}

// HopMessage 客户端与中继之间的消息
type HopMessage struct {
	Type        HopType
	Peer        *Peer
	Reservation *Reservation
	Limit       *Limit
	Status      Status
}

// StopMessage 中继与目标之间的消息
type StopMessage struct {
	Type   StopType
	Peer   *Peer
	Limit  *Limit
	Status Status
}

// ============================================================================
//                              编码
// ============================================================================

func (p *Peer) marshal() []byte {
	b := pbio.AppendBytes(nil, 1, p.ID.Bytes())
	for _, a := range p.Addrs {
		b = pbio.AppendBytes(b, 2, a.Bytes())
	}
	return b
}

func (r *Reservation) marshal() []byte {
	b := pbio.AppendVarint(nil, 1, r.Expire)
	for _, a := range r.Addrs {
		b = pbio.AppendBytes(b, 2, a.Bytes())
	}
	return pbio.AppendBytes(b, 3, r.Voucher)
}

func (l *Limit) marshal() []byte {
	var b []byte
	if l.Duration > 0 {
		b = pbio.AppendVarint(b, 1, uint64(l.Duration))
	}
	if l.Data > 0 {
		b = pbio.AppendVarint(b, 2, l.Data)
	}
	return b
}

// Marshal 编码
func (m *HopMessage) Marshal() []byte {
	b := pbio.AppendVarint(nil, 1, uint64(m.Type))
	if m.Peer != nil {
		b = pbio.AppendMessage(b, 2, m.Peer.marshal())
	}
	if m.Reservation != nil {
		b = pbio.AppendMessage(b, 3, m.Reservation.marshal())
	}
	if m.Limit != nil {
		b = pbio.AppendMessage(b, 4, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = pbio.AppendVarint(b, 5, uint64(m.Status))
	}
	return b
}

// Marshal 编码
func (m *StopMessage) Marshal() []byte {
	b := pbio.AppendVarint(nil, 1, uint64(m.Type))
	if m.Peer != nil {
		b = pbio.AppendMessage(b, 2, m.Peer.marshal())
	}
	if m.Limit != nil {
		b = pbio.AppendMessage(b, 3, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = pbio.AppendVarint(b, 4, uint64(m.Status))
	}
	return b
}

// ============================================================================
//                              解码
// ============================================================================

func unmarshalPeer(b []byte) (*Peer, error) {
	p := &Peer{}
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case 1:
			id, err := types.PeerIDFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			p.ID = id
		case 2:
			if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
				p.Addrs = append(p.Addrs, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.ID.IsEmpty() {
		return nil, fmt.Errorf("%w: peer without id", pbio.ErrMalformed)
	}
	return p, nil
}

func unmarshalReservation(b []byte) (*Reservation, error) {
	r := &Reservation{}
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case 1:
			r.Expire = f.Varint
		case 2:
			if a, err := ma.NewMultiaddrBytes(f.Bytes); err == nil {
				r.Addrs = append(r.Addrs, a)
			}
		case 3:
			r.Voucher = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	return r, err
}

func unmarshalLimit(b []byte) (*Limit, error) {
	l := &Limit{}
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		switch f.Num {
		case 1:
			l.Duration = uint32(f.Varint)
		case 2:
			l.Data = f.Varint
		}
		return nil
	})
	return l, err
}

// Unmarshal 解码
func (m *HopMessage) Unmarshal(b []byte) error {
	*m = HopMessage{}
	seenType := false
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		var err error
		switch f.Num {
		case 1:
			m.Type, seenType = HopType(f.Varint), true
		case 2:
			m.Peer, err = unmarshalPeer(f.Bytes)
		case 3:
			m.Reservation, err = unmarshalReservation(f.Bytes)
		case 4:
			m.Limit, err = unmarshalLimit(f.Bytes)
		case 5:
			m.Status = Status(f.Varint)
		}
		return err
	})
	if err == nil && !seenType {
		err = fmt.Errorf("%w: missing type", pbio.ErrMalformed)
	}
	return err
}

// Unmarshal 解码
func (m *StopMessage) Unmarshal(b []byte) error {
	*m = StopMessage{}
	seenType := false
	err := pbio.ForEachField(b, func(f pbio.Field) error {
		var err error
		switch f.Num {
		case 1:
			m.Type, seenType = StopType(f.Varint), true
		case 2:
			m.Peer, err = unmarshalPeer(f.Bytes)
		case 3:
			m.Limit, err = unmarshalLimit(f.Bytes)
		case 4:
			m.Status = Status(f.Varint)
		}
		return err
	})
	if err == nil && !seenType {
		err = fmt.Errorf("%w: missing type", pbio.ErrMalformed)
	}
	return err
}

// ============================================================================
//                              读写
// ============================================================================

// WriteHop 写一条 HOP 消息
func WriteHop(w io.Writer, m *HopMessage) error {
	return pbio.NewWriter(w).WriteMsg(m.Marshal())
}

// ReadHop 读一条 HOP 消息
func ReadHop(r io.Reader) (*HopMessage, error) {
	b, err := pbio.NewReader(r, MaxMessageSize).ReadMsg()
	if err != nil {
		return nil, err
	}
	m := &HopMessage{}
	return m, m.Unmarshal(b)
}

// WriteStop 写一条 STOP 消息
func WriteStop(w io.Writer, m *StopMessage) error {
	return pbio.NewWriter(w).WriteMsg(m.Marshal())
}

// ReadStop 读一条 STOP 消息
func ReadStop(r io.Reader) (*StopMessage, error) {
	b, err := pbio.NewReader(r, MaxMessageSize).ReadMsg()
	if err != nil {
		return nil, err
	}
	m := &StopMessage{}
	return m, m.Unmarshal(b)
}
