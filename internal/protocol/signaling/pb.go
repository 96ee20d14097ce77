package signaling

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
)

// signaling.proto
//
//	message Request  { string payload = 1; }
//	message Response { string token = 1; }
const (
	fieldPayload protowire.Number = 1
	fieldToken   protowire.Number = 1
)

type request struct {
	Payload string
}

func (m *request) Marshal() []byte {
	return pbio.AppendString(nil, fieldPayload, m.Payload)
}

func (m *request) Unmarshal(b []byte) error {
	*m = request{}
	return pbio.ForEachField(b, func(f pbio.Field) error {
		if f.Num == fieldPayload && f.Type == protowire.BytesType {
			m.Payload = string(f.Bytes)
		}
		return nil
	})
}

type response struct {
	Token string
}

func (m *response) Marshal() []byte {
	return pbio.AppendString(nil, fieldToken, m.Token)
}

func (m *response) Unmarshal(b []byte) error {
	*m = response{}
	return pbio.ForEachField(b, func(f pbio.Field) error {
		if f.Num == fieldToken && f.Type == protowire.BytesType {
			m.Token = string(f.Bytes)
		}
		return nil
	})
}
