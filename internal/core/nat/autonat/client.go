// Package autonat 实现 NAT 可达性检测
//
// 客户端周期性地请求已连接的 AutoNAT 服务节点回拨本节点的候选公网地址：
// 回拨成功说明地址可直接到达（Public），拨号失败说明位于 NAT 之后（Private）。
// 状态带置信度，单次相反结果只降低置信度，置信度降到零后再翻转。
// 翻转为 Public 时确认的地址成为 Host 的外部地址，优先于中继地址公告。
package autonat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("nat/autonat")

// ProtocolID AutoNAT 协议
const ProtocolID = protocolids.AutoNAT

var (
	// ErrNoServers 没有可用的 AutoNAT 服务节点
	ErrNoServers = errors.New("autonat: no servers available")

	// ErrNoCandidates 没有候选公网地址
	ErrNoCandidates = errors.New("autonat: no public address candidates")
)

// Host 客户端需要的节点能力
type Host interface {
	interfaces.Host
	AddExternalAddr(a ma.Multiaddr)
	RemoveExternalAddr(a ma.Multiaddr)
}

// Config 客户端配置
type Config struct {
	ProbeInterval time.Duration
	BootDelay     time.Duration

	// ConfidenceThreshold 置信度上限
	ConfidenceThreshold int

	// Timeout 单次探测超时
	Timeout time.Duration

	// Candidates 待验证的地址；为空时没有可探测的地址
	Candidates func() []ma.Multiaddr
}

// Client AutoNAT 客户端
type Client struct {
	host Host
	cfg  Config

	mu         sync.Mutex
	status     types.NATStatus
	confidence int

	probeNow chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient 创建客户端
func NewClient(h Host, cfg Config) *Client {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Candidates == nil {
		cfg.Candidates = func() []ma.Multiaddr { return nil }
	}
	return &Client{
		host:     h,
		cfg:      cfg,
		probeNow: make(chan struct{}, 1),
	}
}

// Start 启动探测循环
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop 停止探测
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Status 当前可达性
func (c *Client) Status() types.NATStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ProbeNow 尽快执行一次探测
func (c *Client) ProbeNow() {
	select {
	case c.probeNow <- struct{}{}:
	default:
	}
}

func (c *Client) loop(ctx context.Context) {
	defer c.wg.Done()

	if c.cfg.BootDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.BootDelay):
		}
	}

	t := time.NewTicker(c.cfg.ProbeInterval)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := c.Probe(pctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			log.Debug("AutoNAT 探测无结论", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.probeNow:
		}
	}
}

// Probe 请求一个服务节点回拨并更新状态
//
// 服务端拒绝、协议错误等无结论的情况返回错误且不改变状态。
func (c *Client) Probe(ctx context.Context) error {
	servers := c.servers()
	if len(servers) == 0 {
		return ErrNoServers
	}
	candidates := c.cfg.Candidates()
	if len(candidates) == 0 {
		c.record(false, nil)
		return ErrNoCandidates
	}

	server := servers[rand.Intn(len(servers))] //nolint:gosec // 随机选择服务节点不需要密码学随机
	resp, err := c.dial(ctx, server, candidates)
	if err != nil {
		return err
	}
	switch resp.Status {
	case StatusOK:
		if resp.Addr == nil {
			return fmt.Errorf("autonat: OK without address from %s", server.ShortString())
		}
		c.record(true, resp.Addr)
		return nil
	case StatusDialError:
		c.record(false, nil)
		return nil
	default:
		return fmt.Errorf("autonat: %s: %s %s", server.ShortString(), resp.Status, resp.StatusText)
	}
}

// servers 经直连连接且声明支持 AutoNAT 的节点
func (c *Client) servers() []types.PeerID {
	ps := c.host.Peerstore()
	var out []types.PeerID
	for _, p := range c.host.Peers() {
		if !ps.SupportsProtocol(p, ProtocolID) {
			continue
		}
		for _, conn := range c.host.ConnsToPeer(p) {
			if !conn.Stat().Relayed {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (c *Client) dial(ctx context.Context, server types.PeerID, addrs []ma.Multiaddr) (*message, error) {
	st, err := c.host.NewStream(ctx, server, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	interfaces.MarkTransient(st)
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}

	req := &message{Type: MessageDial, Peer: c.host.ID(), Addrs: addrs}
	if err := pbio.NewWriter(st).WriteMsg(req.Marshal()); err != nil {
		st.Reset()
		return nil, err
	}
	b, err := pbio.NewReader(st, maxMessageSize).ReadMsg()
	if err != nil {
		st.Reset()
		return nil, err
	}
	resp := &message{}
	if err := resp.Unmarshal(b); err != nil {
		return nil, err
	}
	if resp.Type != MessageDialResponse {
		return nil, fmt.Errorf("%w: unexpected message type %d", pbio.ErrMalformed, resp.Type)
	}
	return resp, nil
}

// record 按置信度更新状态
func (c *Client) record(reachable bool, addr ma.Multiaddr) {
	c.mu.Lock()
	old := c.status
	next := types.NATStatus{Reachability: types.ReachabilityPrivate}
	if reachable {
		next = types.NATStatus{Reachability: types.ReachabilityPublic, Addr: addr}
	}

	changed := false
	switch {
	case old.Reachability == next.Reachability:
		if c.confidence < c.cfg.ConfidenceThreshold {
			c.confidence++
		}
		// 仍为 Public 但确认的地址变了
		if reachable && (old.Addr == nil || !old.Addr.Equal(addr)) {
			c.status = next
			changed = true
		}
	case c.confidence > 0:
		c.confidence--
	default:
		c.status = next
		changed = true
	}
	cur := c.status
	c.mu.Unlock()

	if !changed {
		return
	}
	if old.Reachability == types.ReachabilityPublic && old.Addr != nil {
		c.host.RemoveExternalAddr(old.Addr)
	}
	if cur.Reachability == types.ReachabilityPublic {
		c.host.AddExternalAddr(cur.Addr)
	}
	log.Info("NAT 状态变化", "old", old.String(), "new", cur.String())
	c.host.Emit(&types.NATEvent{BaseEvent: types.NewBaseEvent(), Old: old, New: cur})
}
