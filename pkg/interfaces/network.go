// Package interfaces 定义 VOID 各层之间的接口
//
// 分层（自底向上）：
//
//	Transport ──► CapableConn (已加密、已多路复用) ──► Swarm Conn ──► Host
//
// 协议服务（identify、ping、relay、autonat、dht、signaling ...）只依赖 Host 接口，
// 便于在测试中替换。
package interfaces

import (
	"context"
	"io"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// ============================================================================
//                              多路复用
// ============================================================================

// MuxedStream 多路复用流
type MuxedStream interface {
	io.ReadWriteCloser

	// CloseWrite 半关闭写方向
	CloseWrite() error

	// Reset 异常终止流
	Reset() error

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// MuxedConn 多路复用连接
type MuxedConn interface {
	// OpenStream 打开新流
	OpenStream(ctx context.Context) (MuxedStream, error)

	// AcceptStream 接受对端打开的流
	AcceptStream() (MuxedStream, error)

	// IsClosed 连接是否已关闭
	IsClosed() bool

	Close() error
}

// StreamMuxer 多路复用器工厂
type StreamMuxer interface {
	// ID 协商用的协议标识
	ID() string

	// NewConn 在安全连接上建立多路复用
	NewConn(c net.Conn, isServer bool) (MuxedConn, error)
}

// ============================================================================
//                              安全通道
// ============================================================================

// SecureConn 已认证的加密连接
type SecureConn interface {
	net.Conn

	LocalPeer() types.PeerID
	RemotePeer() types.PeerID
	RemotePublicKey() crypto.PublicKey
}

// SecureTransport 安全握手
type SecureTransport interface {
	// ID 协商用的协议标识
	ID() string

	// SecureInbound 服务端握手；remotePeer 为空表示接受任何节点
	SecureInbound(ctx context.Context, conn net.Conn, remotePeer types.PeerID) (SecureConn, error)

	// SecureOutbound 客户端握手；remotePeer 非空时校验对端身份
	SecureOutbound(ctx context.Context, conn net.Conn, remotePeer types.PeerID) (SecureConn, error)
}

// ============================================================================
//                              传输
// ============================================================================

// CapableConn 传输层交付的完整连接（已认证、已多路复用）
type CapableConn interface {
	MuxedConn

	LocalPeer() types.PeerID
	RemotePeer() types.PeerID
	RemotePublicKey() crypto.PublicKey
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr

	// Transport 返回产生此连接的传输名称（tcp / quic / ws / circuit）
	Transport() string
}

// Listener 监听器
type Listener interface {
	// Accept 接受新连接（阻塞）
	Accept() (CapableConn, error)

	// Multiaddr 实际监听地址
	Multiaddr() ma.Multiaddr

	Close() error
}

// Transport 传输协议
type Transport interface {
	// Dial 拨号；p 为期望的对端身份
	Dial(ctx context.Context, raddr ma.Multiaddr, p types.PeerID) (CapableConn, error)

	// CanDial 是否能拨号到该地址
	CanDial(addr ma.Multiaddr) bool

	// Listen 在地址上监听
	Listen(laddr ma.Multiaddr) (Listener, error)

	// Protocols 支持的 multiaddr 协议代码（用于路由地址到传输）
	Protocols() []int

	// Name 传输名称
	Name() string

	Close() error
}
