// Package noise 实现 libp2p 兼容的 Noise XX 安全通道
//
// 握手流程：
//
//	-> e
//	<- e, ee, s, es, payload
//	-> s, se, payload
//
// payload 为 NoiseHandshakePayload{identity_key=1, identity_sig=2}，
// identity_sig = Sign("noise-libp2p-static-key:" + 静态 X25519 公钥)。
// 对端 ID 从已认证的 identity_key 派生。
package noise

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("noise")

// Transport Noise 安全传输
type Transport struct {
	id *identity.Identity
}

var _ interfaces.SecureTransport = (*Transport)(nil)

// New 创建 Noise 传输
func New(id *identity.Identity) *Transport {
	return &Transport{id: id}
}

// ID 协商标识
func (t *Transport) ID() string {
	return protocolids.Noise
}

// SecureInbound 作为响应者握手；remotePeer 为空时接受任何身份
func (t *Transport) SecureInbound(ctx context.Context, conn net.Conn, remotePeer types.PeerID) (interfaces.SecureConn, error) {
	return t.secure(ctx, conn, remotePeer, false)
}

// SecureOutbound 作为发起者握手并校验对端身份
func (t *Transport) SecureOutbound(ctx context.Context, conn net.Conn, remotePeer types.PeerID) (interfaces.SecureConn, error) {
	return t.secure(ctx, conn, remotePeer, true)
}

func (t *Transport) secure(ctx context.Context, conn net.Conn, remotePeer types.PeerID, initiator bool) (interfaces.SecureConn, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil conn", ErrInvalidHandshake)
	}

	// ctx 的截止时间映射为连接截止时间，握手结束后清除
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	sc, err := handshake(conn, t.id, remotePeer, initiator)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		log.Debug("noise 握手失败", "initiator", initiator, "err", err)
		return nil, err
	}
	return sc, nil
}
