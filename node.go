package void

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/metrics"
	"github.com/void-p2p/go-void/internal/core/relay/client"
	"github.com/void-p2p/go-void/internal/discovery/dht"
	"github.com/void-p2p/go-void/internal/protocol/signaling"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期常量
// ════════════════════════════════════════════════════════════════════════════

const (
	// initializeTimeout 初始化超时（Fx App Start）
	initializeTimeout = 30 * time.Second

	// stopTimeout 停止超时（Fx App Stop）
	stopTimeout = 10 * time.Second
)

// Node 一个引擎会话
//
// 由 fx 组装 Host 与各协议服务，启动后由单个 Bridge 循环独占。
// 宿主只能通过 Handle 发命令、通过 Notifier 收事件。
type Node struct {
	cfg       *nodeConfig
	app       *fx.App
	sessionID string
	log       *slog.Logger
	notifier  Notifier

	// fx 注入
	host      *host.Host
	signaling *signaling.Service
	metrics   *metrics.Metrics
	sink      MessageSink
	dht       *dht.DHT
	relay     *client.Client

	mu      sync.Mutex
	started bool
	closed  bool

	// cmdMu 保护 cmds 的关闭；发送方持读锁
	cmdMu      sync.RWMutex
	cmds       chan Command
	bridgeDone chan struct{}
}

// New 按选项组装节点，不启动网络
func New(opts ...Option) (*Node, error) {
	cfg := newNodeConfig()
	if err := cfg.apply(opts...); err != nil {
		return nil, err
	}
	if cfg.config.LogLevel != "" {
		if err := logger.SetLevelString(cfg.config.LogLevel); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	id := uuid.NewString()
	n := &Node{
		cfg:        cfg,
		sessionID:  id,
		log:        logger.Logger("void").With("session", id[:8]),
		notifier:   cfg.notifier,
		bridgeDone: make(chan struct{}),
	}
	if n.notifier == nil {
		n.notifier = nopNotifier{}
	}

	app, err := buildFxApp(cfg, n)
	if err != nil {
		return nil, err
	}
	n.app = app
	return n, nil
}

// SessionID 本次会话的随机标识（出现在日志中）
func (n *Node) SessionID() string { return n.sessionID }

// ID 本地节点 ID
func (n *Node) ID() types.PeerID { return n.host.ID() }

// Host 底层 Host（测试与控制台使用）
func (n *Node) Host() *host.Host { return n.host }

// Handle 命令入口
func (n *Node) Handle() *Handle { return &Handle{node: n} }

// Start 启动节点
//
//  1. Initialize: 启动 Fx App（监听、协议注册、发现与中继服务）
//  2. Bridge: 启动命令/事件循环
//  3. Dial: 拨号 WithDial 指定的地址
//
// 启动不等待 NAT 检测或中继预约。失败时不保留任何运行中的组件。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}

	// ════════════════════════════════════════════════════════════════════════
	// Phase 1: Initialize - 启动 Fx 应用
	// ════════════════════════════════════════════════════════════════════════
	n.log.Info("正在初始化节点")
	initCtx, initCancel := context.WithTimeout(ctx, initializeTimeout)
	defer initCancel()
	if err := n.app.Start(initCtx); err != nil {
		n.log.Error("节点初始化失败", "err", err)
		n.closed = true
		return fmt.Errorf("initialize failed: %w", err)
	}

	// ════════════════════════════════════════════════════════════════════════
	// Phase 2: Bridge - 命令/事件循环
	// ════════════════════════════════════════════════════════════════════════
	cmds := make(chan Command, commandQueueSize)
	b := &bridge{
		log:       n.log.With("component", "bridge"),
		host:      n.host,
		signaling: n.signaling,
		metrics:   n.metrics,
		notifier:  n.notifier,
		sink:      n.sink,
		cmds:      cmds,
		pending:   make(map[signaling.RequestID]pendingSignal),
	}
	n.cmdMu.Lock()
	n.cmds = cmds
	n.cmdMu.Unlock()
	go func() {
		defer close(n.bridgeDone)
		b.run()
	}()
	n.started = true

	// ════════════════════════════════════════════════════════════════════════
	// Phase 3: Dial - 启动时拨号
	// ════════════════════════════════════════════════════════════════════════
	h := n.Handle()
	for _, a := range n.cfg.dialOnStart {
		if err := h.DialAddress(ctx, a); err != nil {
			n.log.Warn("启动拨号失败", "addr", a, "err", err)
		}
	}

	n.log.Info("节点启动成功", "peer", n.host.ID().ShortString(), "addrs", n.host.ListenAddrs())
	return nil
}

// Stop 关闭命令通道，等待 Bridge 退出后停止所有组件
//
// Stop 之后节点不能再次启动。
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	if !n.started {
		return nil
	}

	n.cmdMu.Lock()
	close(n.cmds)
	n.cmds = nil
	n.cmdMu.Unlock()

	var errs error
	select {
	case <-n.bridgeDone:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("wait bridge: %w", ctx.Err()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := n.app.Stop(stopCtx); err != nil {
		errs = multierr.Append(errs, err)
	}
	n.log.Info("节点已停止")
	return errs
}

// Done Bridge 退出时关闭（Stop 或 Host 异常关闭）
func (n *Node) Done() <-chan struct{} { return n.bridgeDone }

// CircuitAddrs 当前中继电路地址
func (n *Node) CircuitAddrs() []ma.Multiaddr {
	if n.relay == nil {
		return nil
	}
	return n.relay.CircuitAddrs()
}

// RoutingTableSize DHT 路由表中的节点数，未启用 DHT 时为 0
func (n *Node) RoutingTableSize() int {
	if n.dht == nil {
		return 0
	}
	return n.dht.RoutingTable().Size()
}
