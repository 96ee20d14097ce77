package client

import (
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/pkg/interfaces"
)

// circuitConn 把中继流包装成 manet.Conn，交给升级器重新加密
type circuitConn struct {
	interfaces.Stream
	local  ma.Multiaddr
	remote ma.Multiaddr
}

var _ manet.Conn = (*circuitConn)(nil)

func newCircuitConn(s interfaces.Stream, local, remote ma.Multiaddr) *circuitConn {
	return &circuitConn{Stream: s, local: local, remote: remote}
}

func (c *circuitConn) LocalAddr() net.Addr  { return &Addr{c.local} }
func (c *circuitConn) RemoteAddr() net.Addr { return &Addr{c.remote} }

func (c *circuitConn) LocalMultiaddr() ma.Multiaddr  { return c.local }
func (c *circuitConn) RemoteMultiaddr() ma.Multiaddr { return c.remote }

// Addr 电路地址的 net.Addr 表示
type Addr struct {
	ma.Multiaddr
}

// Network 固定为 p2p-circuit
func (a *Addr) Network() string { return "p2p-circuit" }

func (a *Addr) String() string {
	if a.Multiaddr == nil {
		return "/p2p-circuit"
	}
	return a.Multiaddr.String()
}
