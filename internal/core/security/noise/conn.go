package noise

import (
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// maxPlaintext 单帧明文上限（去掉 16 字节 AEAD 标签）
const maxPlaintext = maxFrame - 16

// secureConn Noise 加密连接
type secureConn struct {
	net.Conn

	send *noise.CipherState
	recv *noise.CipherState

	localPeer  types.PeerID
	remotePeer types.PeerID
	remoteKey  crypto.PublicKey

	readMu  sync.Mutex
	readBuf []byte

	writeMu sync.Mutex
}

var _ interfaces.SecureConn = (*secureConn)(nil)

// Read 解密下一帧；空帧跳过
func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		frame, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
		c.readBuf = plain
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write 按帧上限切分并加密
func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintext
		if end > len(p) {
			end = len(p)
		}
		cipher, err := c.send.Encrypt(nil, nil, p[written:end])
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		if err := writeFrame(c.Conn, cipher); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *secureConn) LocalPeer() types.PeerID {
	return c.localPeer
}

func (c *secureConn) RemotePeer() types.PeerID {
	return c.remotePeer
}

func (c *secureConn) RemotePublicKey() crypto.PublicKey {
	return c.remoteKey
}
