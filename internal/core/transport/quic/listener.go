package quic

import (
	"context"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"

	"github.com/void-p2p/go-void/pkg/interfaces"
)

// listener QUIC 监听器
type listener struct {
	ql    *quic.Listener
	local ma.Multiaddr
	t     *Transport
}

func newListener(ql *quic.Listener, local ma.Multiaddr, t *Transport) *listener {
	return &listener{ql: ql, local: local, t: t}
}

// Accept 接受下一个已完成握手的连接
//
// 身份校验失败的连接被丢弃，不返回给调用方。
func (l *listener) Accept() (interfaces.CapableConn, error) {
	for {
		qc, err := l.ql.Accept(context.Background())
		if err != nil {
			return nil, err
		}
		c, err := newConn(qc, l.t.id.ID())
		if err != nil {
			log.Debug("入站连接身份校验失败", "remote", qc.RemoteAddr(), "err", err)
			qc.CloseWithError(0, "")
			continue
		}
		return c, nil
	}
}

func (l *listener) Multiaddr() ma.Multiaddr {
	return l.local
}

// Close 仅停止接受新连接；共享 socket 由 Transport.Close 关闭
func (l *listener) Close() error {
	l.t.removeListener(l)
	return l.ql.Close()
}
