package upgrader

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// capableConn 升级后的连接
type capableConn struct {
	interfaces.MuxedConn

	sc interfaces.SecureConn
	ep Endpoint
}

var _ interfaces.CapableConn = (*capableConn)(nil)

func (c *capableConn) LocalPeer() types.PeerID {
	return c.sc.LocalPeer()
}

func (c *capableConn) RemotePeer() types.PeerID {
	return c.sc.RemotePeer()
}

func (c *capableConn) RemotePublicKey() crypto.PublicKey {
	return c.sc.RemotePublicKey()
}

func (c *capableConn) LocalMultiaddr() ma.Multiaddr {
	return c.ep.Local
}

func (c *capableConn) RemoteMultiaddr() ma.Multiaddr {
	return c.ep.Remote
}

func (c *capableConn) Transport() string {
	return c.ep.Transport
}
