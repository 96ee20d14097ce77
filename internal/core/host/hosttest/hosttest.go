// Package hosttest 提供基于回环地址的测试节点
//
// 示例:
//
//	a := hosttest.New(t)
//	b := hosttest.New(t)
//	hosttest.Connect(t, a, b)
//	rec := hosttest.Record(b)
//	ev := rec.Wait(t, 5*time.Second, func(e types.Event) bool { ... })
package hosttest

import (
	"context"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/peerstore"
	"github.com/void-p2p/go-void/internal/core/swarm"
	"github.com/void-p2p/go-void/internal/core/transport/quic"
	"github.com/void-p2p/go-void/internal/core/transport/tcp"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

// Options 测试节点选项
type Options struct {
	// QUIC 同时监听 QUIC
	QUIC bool

	// NoListen 不监听（只出站的 NAT 后节点）
	NoListen bool

	// IdleTimeout 空闲关闭，默认 1 分钟
	IdleTimeout time.Duration

	// EventBuffer 事件通道容量，0 使用 Host 默认值
	EventBuffer int
}

// New 创建监听 127.0.0.1 的测试节点，测试结束时关闭
func New(t *testing.T, opts ...Options) *host.Host {
	t.Helper()
	h, _ := NewNode(t, opts...)
	return h
}

// NewNode 同 New，并返回节点身份（需要自建升级器的测试使用）
func NewNode(t *testing.T, opts ...Options) (*host.Host, *identity.Identity) {
	t.Helper()
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = time.Minute
	}

	id, err := identity.Generate()
	require.NoError(t, err)

	up := upgrader.NewDefault(id, 5*time.Second)
	transports := []interfaces.Transport{tcp.New(up, tcp.Options{NoDelay: true})}
	listen := []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")}
	if o.QUIC {
		qt, err := quic.New(id, quic.Options{})
		require.NoError(t, err)
		transports = append(transports, qt)
		listen = append(listen, ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1"))
	}

	sw := swarm.New(id.ID(), peerstore.New(0), transports, swarm.Options{
		DialTimeout: 5 * time.Second,
		IdleTimeout: o.IdleTimeout,
	})
	h := host.New(sw, host.Config{NegotiationTimeout: 5 * time.Second, EventBuffer: o.EventBuffer})
	if !o.NoListen {
		require.NoError(t, h.Listen(listen...))
	}
	t.Cleanup(func() { h.Close() })
	return h, id
}

// Info 节点的 AddrInfo
func Info(h *host.Host) types.AddrInfo {
	return types.AddrInfo{ID: h.ID(), Addrs: h.Swarm().ListenAddrs()}
}

// Connect a 主动连接 b
func Connect(t *testing.T, a, b *host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, Info(b)))
	Eventually(t, 5*time.Second, func() bool {
		return len(b.ConnsToPeer(a.ID())) > 0
	}, "对端应看到连接")
}

// Eventually 在 timeout 内每 20ms 检查一次条件，超时则 fail
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("等待超时: %s", msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Recorder 持续消费 Host 事件
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
	notify chan struct{}
}

// Record 启动事件消费；Host 关闭时停止
func Record(h *host.Host) *Recorder {
	r := &Recorder{notify: make(chan struct{}, 1)}
	go func() {
		for {
			select {
			case ev := <-h.Events():
				r.mu.Lock()
				r.events = append(r.events, ev)
				r.mu.Unlock()
				select {
				case r.notify <- struct{}{}:
				default:
				}
			case <-h.Done():
				return
			}
		}
	}()
	return r
}

// Events 已收到的事件
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Find 第一个满足条件的事件
func (r *Recorder) Find(match func(types.Event) bool) types.Event {
	for _, ev := range r.Events() {
		if match(ev) {
			return ev
		}
	}
	return nil
}

// Wait 等待满足条件的事件
func (r *Recorder) Wait(t *testing.T, timeout time.Duration, match func(types.Event) bool) types.Event {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if ev := r.Find(match); ev != nil {
			return ev
		}
		select {
		case <-r.notify:
		case <-timer.C:
			t.Fatalf("等待事件超时")
			return nil
		}
	}
}
