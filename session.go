package void

import (
	"context"
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/types"
	"github.com/void-p2p/go-void/pkg/voidcode"
)

// ============================================================================
//                              会话注册表
// ============================================================================

// session 进程内唯一的引擎会话槽位：nil 表示未启动
var session struct {
	mu   sync.Mutex
	node *Node
}

// StartNode 启动进程内唯一的引擎会话
//
// 已有会话时返回 ErrAlreadyRunning；启动失败时不登记会话。
func StartNode(ctx context.Context, opts ...Option) (*Handle, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.node != nil {
		select {
		case <-session.node.Done():
			// Host 异常关闭后释放槽位
			_ = session.node.Stop(ctx)
			session.node = nil
		default:
			return nil, ErrAlreadyRunning
		}
	}

	n, err := New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	session.node = n
	return n.Handle(), nil
}

// StopNode 停止当前会话；未启动时返回 ErrNodeNotRunning
func StopNode(ctx context.Context) error {
	session.mu.Lock()
	n := session.node
	session.node = nil
	session.mu.Unlock()

	if n == nil {
		return ErrNodeNotRunning
	}
	return n.Stop(ctx)
}

// current 当前会话的 Handle
func current() (*Handle, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.node == nil {
		return nil, ErrNodeNotRunning
	}
	return session.node.Handle(), nil
}

// ============================================================================
//                              宿主命令
// ============================================================================

// GetIdentity 本地节点 ID 与地址
func GetIdentity(ctx context.Context) (IdentityInfo, error) {
	h, err := current()
	if err != nil {
		return IdentityInfo{}, err
	}
	return h.GetIdentity(ctx)
}

// DialPeer 按节点 ID 文本拨号
func DialPeer(ctx context.Context, id string) error {
	p, err := types.ParsePeerID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	h, err := current()
	if err != nil {
		return err
	}
	return h.Dial(ctx, p)
}

// ConnectViaCode 解码会合码并拨号
func ConnectViaCode(ctx context.Context, code string) error {
	addr, err := voidcode.Decode(code)
	if err != nil {
		return err
	}
	h, err := current()
	if err != nil {
		return err
	}
	return h.DialAddress(ctx, addr)
}

// GetMyVoidCode 本地节点的会合码
//
// 有中继电路地址时优先使用，否则使用第一个地址；没有地址时返回 voidcode.ErrNoAddress。
func GetMyVoidCode(ctx context.Context) (string, error) {
	info, err := GetIdentity(ctx)
	if err != nil {
		return "", err
	}
	return info.VoidCode()
}

// SendSignal 向节点发送信令文本
func SendSignal(ctx context.Context, id, text string) error {
	p, err := types.ParsePeerID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	h, err := current()
	if err != nil {
		return err
	}
	return h.SendSignal(ctx, p, text)
}

// VoidCode 由身份信息生成会合码；中继电路地址只出现在监听地址中
func (i IdentityInfo) VoidCode() (string, error) {
	addrs := make([]ma.Multiaddr, 0, len(i.Addrs)+len(i.ListenAddrs))
	addrs = append(addrs, i.Addrs...)
	addrs = append(addrs, i.ListenAddrs...)
	return voidcode.ForLocalNode(i.PeerID, addrs)
}
