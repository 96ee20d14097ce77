package pubsub

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

// rpc.proto（与 libp2p pubsub 线格式兼容）
//
//	message RPC {
//	  repeated SubOpts subscriptions = 1;
//	  repeated Message publish = 2;
//	  ControlMessage control = 3;
//	}
//	message SubOpts { bool subscribe = 1; string topicid = 2; }
//	message Message {
//	  bytes from = 1; bytes data = 2; bytes seqno = 3; string topic = 4;
//	  bytes signature = 5; bytes key = 6;
//	}
//	message ControlMessage {
//	  repeated ControlIHave ihave = 1; repeated ControlIWant iwant = 2;
//	  repeated ControlGraft graft = 3; repeated ControlPrune prune = 4;
//	}
//	message ControlIHave { string topicID = 1; repeated bytes messageIDs = 2; }
//	message ControlIWant { repeated bytes messageIDs = 1; }
//	message ControlGraft { string topicID = 1; }
//	message ControlPrune { string topicID = 1; repeated PeerInfo peers = 2; uint64 backoff = 3; }

// Message gossip 消息
type Message struct {
	From      types.PeerID
	Data      []byte
	Seqno     []byte
	Topic     string
	Signature []byte
	Key       []byte
}

func (m *Message) marshal(withSig bool) []byte {
	var b []byte
	b = pbio.AppendBytes(b, 1, m.From.Bytes())
	b = pbio.AppendBytes(b, 2, m.Data)
	b = pbio.AppendBytes(b, 3, m.Seqno)
	b = pbio.AppendString(b, 4, m.Topic)
	if withSig {
		b = pbio.AppendBytes(b, 5, m.Signature)
		b = pbio.AppendBytes(b, 6, m.Key)
	}
	return b
}

func (m *Message) unmarshal(b []byte) error {
	*m = Message{}
	return pbio.ForEachField(b, func(f pbio.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		v := append([]byte(nil), f.Bytes...)
		switch f.Num {
		case 1:
			id, err := types.PeerIDFromBytes(v)
			if err != nil {
				return err
			}
			m.From = id
		case 2:
			m.Data = v
		case 3:
			m.Seqno = v
		case 4:
			m.Topic = string(v)
		case 5:
			m.Signature = v
		case 6:
			m.Key = v
		}
		return nil
	})
}

type subOpts struct {
	Subscribe bool
	Topic     string
}

type ihave struct {
	Topic string
	IDs   []string
}

type prune struct {
	Topic   string
	Backoff uint64 // 秒
}

type control struct {
	IHave []ihave
	IWant [][]string
	Graft []string
	Prune []prune
}

func (c *control) empty() bool {
	return c == nil || len(c.IHave)+len(c.IWant)+len(c.Graft)+len(c.Prune) == 0
}

type rpc struct {
	Subscriptions []subOpts
	Publish       []*Message
	Control       *control
}

func (r *rpc) empty() bool {
	return len(r.Subscriptions) == 0 && len(r.Publish) == 0 && r.Control.empty()
}

func (r *rpc) Marshal() []byte {
	var b []byte
	for _, s := range r.Subscriptions {
		var sb []byte
		sb = pbio.AppendBool(sb, 1, s.Subscribe)
		sb = pbio.AppendString(sb, 2, s.Topic)
		b = pbio.AppendMessage(b, 1, sb)
	}
	for _, m := range r.Publish {
		b = pbio.AppendMessage(b, 2, m.marshal(true))
	}
	if !r.Control.empty() {
		b = pbio.AppendMessage(b, 3, r.Control.marshal())
	}
	return b
}

func (c *control) marshal() []byte {
	var b []byte
	for _, ih := range c.IHave {
		var x []byte
		x = pbio.AppendString(x, 1, ih.Topic)
		for _, id := range ih.IDs {
			x = pbio.AppendString(x, 2, id)
		}
		b = pbio.AppendMessage(b, 1, x)
	}
	for _, ids := range c.IWant {
		var x []byte
		for _, id := range ids {
			x = pbio.AppendString(x, 1, id)
		}
		b = pbio.AppendMessage(b, 2, x)
	}
	for _, t := range c.Graft {
		b = pbio.AppendMessage(b, 3, pbio.AppendString(nil, 1, t))
	}
	for _, p := range c.Prune {
		var x []byte
		x = pbio.AppendString(x, 1, p.Topic)
		x = pbio.AppendVarint(x, 3, p.Backoff)
		b = pbio.AppendMessage(b, 4, x)
	}
	return b
}

func (r *rpc) Unmarshal(b []byte) error {
	*r = rpc{}
	return pbio.ForEachField(b, func(f pbio.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			var s subOpts
			err := pbio.ForEachField(f.Bytes, func(g pbio.Field) error {
				switch {
				case g.Num == 1 && g.Type == protowire.VarintType:
					s.Subscribe = g.Varint != 0
				case g.Num == 2 && g.Type == protowire.BytesType:
					s.Topic = string(g.Bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.Subscriptions = append(r.Subscriptions, s)
		case 2:
			m := new(Message)
			if err := m.unmarshal(f.Bytes); err != nil {
				return err
			}
			r.Publish = append(r.Publish, m)
		case 3:
			c := new(control)
			if err := c.unmarshal(f.Bytes); err != nil {
				return err
			}
			r.Control = c
		}
		return nil
	})
}

func (c *control) unmarshal(b []byte) error {
	return pbio.ForEachField(b, func(f pbio.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			var ih ihave
			err := forEachString(f.Bytes, func(num protowire.Number, s string) {
				if num == 1 {
					ih.Topic = s
				} else if num == 2 {
					ih.IDs = append(ih.IDs, s)
				}
			})
			if err != nil {
				return err
			}
			c.IHave = append(c.IHave, ih)
		case 2:
			var ids []string
			err := forEachString(f.Bytes, func(num protowire.Number, s string) {
				if num == 1 {
					ids = append(ids, s)
				}
			})
			if err != nil {
				return err
			}
			c.IWant = append(c.IWant, ids)
		case 3:
			var topic string
			err := forEachString(f.Bytes, func(num protowire.Number, s string) {
				if num == 1 {
					topic = s
				}
			})
			if err != nil {
				return err
			}
			c.Graft = append(c.Graft, topic)
		case 4:
			var p prune
			err := pbio.ForEachField(f.Bytes, func(g pbio.Field) error {
				switch {
				case g.Num == 1 && g.Type == protowire.BytesType:
					p.Topic = string(g.Bytes)
				case g.Num == 3 && g.Type == protowire.VarintType:
					p.Backoff = g.Varint
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Prune = append(c.Prune, p)
		}
		return nil
	})
}

func forEachString(b []byte, fn func(num protowire.Number, s string)) error {
	return pbio.ForEachField(b, func(f pbio.Field) error {
		if f.Type == protowire.BytesType {
			fn(f.Num, string(f.Bytes))
		}
		return nil
	})
}
