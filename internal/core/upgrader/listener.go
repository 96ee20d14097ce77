package upgrader

import (
	"context"
	"net"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

// acceptQueue 已升级但尚未被 Accept 取走的连接数
const acceptQueue = 16

// RawListener 未升级的监听器（TCP、WebSocket）
type RawListener interface {
	Accept() (manet.Conn, error)
	Close() error
	Multiaddr() ma.Multiaddr
}

// listener 并发升级入站连接
//
// 单个慢握手不会阻塞其他连接。
type listener struct {
	raw       RawListener
	up        *Upgrader
	transport string

	incoming chan interfaces.CapableConn
	errCh    chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// UpgradeListener 包装原始监听器
func (u *Upgrader) UpgradeListener(raw RawListener, transport string) interfaces.Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		raw:       raw,
		up:        u,
		transport: transport,
		incoming:  make(chan interfaces.CapableConn, acceptQueue),
		errCh:     make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l
}

func (l *listener) acceptLoop() {
	defer l.wg.Done()
	for {
		c, err := l.raw.Accept()
		if err != nil {
			select {
			case l.errCh <- err:
			default:
			}
			return
		}

		l.wg.Add(1)
		go func(c manet.Conn) {
			defer l.wg.Done()
			ep := Endpoint{
				Local:     c.LocalMultiaddr(),
				Remote:    c.RemoteMultiaddr(),
				Transport: l.transport,
			}
			cc, err := l.up.Upgrade(l.ctx, c, types.DirInbound, "", ep)
			if err != nil {
				log.Debug("入站升级失败", "remote", c.RemoteMultiaddr(), "err", err)
				return
			}
			select {
			case l.incoming <- cc:
			case <-l.ctx.Done():
				cc.Close()
			}
		}(c)
	}
}

// Accept 返回下一个已升级的连接
func (l *listener) Accept() (interfaces.CapableConn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case err := <-l.errCh:
		// 保持错误可重复读取
		select {
		case l.errCh <- err:
		default:
		}
		return nil, err
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *listener) Multiaddr() ma.Multiaddr {
	return l.raw.Multiaddr()
}

func (l *listener) Close() error {
	l.cancel()
	err := l.raw.Close()
	l.wg.Wait()
	return err
}
