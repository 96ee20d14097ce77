package void

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/types"
)

// commandQueueSize 命令通道容量，满时发送方等待
const commandQueueSize = 32

// Command 宿主发给引擎的命令
//
//	DialCommand         按 ID 拨号（地址簿或 DHT）
//	DialAddressCommand  按完整地址拨号
//	GetIdentityCommand  查询本地 ID 与地址
//	SendSignalCommand   发送信令
type Command interface {
	command()
}

// DialCommand 按节点 ID 拨号
type DialCommand struct {
	Peer types.PeerID
}

// DialAddressCommand 按带 /p2p/<id> 的地址拨号
type DialAddressCommand struct {
	Addr ma.Multiaddr
}

// GetIdentityCommand 查询身份；Reply 必须有缓冲，Bridge 不会阻塞在它上面
type GetIdentityCommand struct {
	Reply chan<- IdentityInfo
}

// SendSignalCommand 发送信令文本
type SendSignalCommand struct {
	Peer types.PeerID
	Text string
}

func (DialCommand) command()        {}
func (DialAddressCommand) command() {}
func (GetIdentityCommand) command() {}
func (SendSignalCommand) command()  {}

// ============================================================================
//                              Handle
// ============================================================================

// Handle 引擎会话的命令入口
//
// 方法只做本地校验并入队，返回 nil 表示命令已被接受，不表示网络操作成功。
type Handle struct {
	node *Node
}

// send 入队；队列满时等待，引擎停止或 ctx 结束时返回
func (h *Handle) send(ctx context.Context, cmd Command) error {
	n := h.node
	n.cmdMu.RLock()
	defer n.cmdMu.RUnlock()
	if n.cmds == nil {
		return ErrNodeNotRunning
	}
	select {
	case n.cmds <- cmd:
		return nil
	case <-n.bridgeDone:
		return ErrNodeNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial 按节点 ID 拨号
func (h *Handle) Dial(ctx context.Context, p types.PeerID) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return h.send(ctx, DialCommand{Peer: p})
}

// DialAddress 按完整地址拨号
func (h *Handle) DialAddress(ctx context.Context, addr ma.Multiaddr) error {
	if _, err := types.AddrInfoFromP2pAddr(addr); err != nil {
		if errors.Is(err, types.ErrNoP2PComponent) {
			return fmt.Errorf("%w: %s", ErrMissingPeerID, addr)
		}
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return h.send(ctx, DialAddressCommand{Addr: addr})
}

// GetIdentity 查询本地 ID 与最佳地址
func (h *Handle) GetIdentity(ctx context.Context) (IdentityInfo, error) {
	reply := make(chan IdentityInfo, 1)
	if err := h.send(ctx, GetIdentityCommand{Reply: reply}); err != nil {
		return IdentityInfo{}, err
	}
	select {
	case info := <-reply:
		return info, nil
	case <-h.node.bridgeDone:
		return IdentityInfo{}, ErrNodeNotRunning
	case <-ctx.Done():
		return IdentityInfo{}, ctx.Err()
	}
}

// SendSignal 发送信令；送达结果以 signal-delivered / signal-failed 事件返回
func (h *Handle) SendSignal(ctx context.Context, p types.PeerID, text string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptySignal
	}
	return h.send(ctx, SendSignalCommand{Peer: p, Text: text})
}
