// Package bootstrap 连接引导节点
//
// 启动时解析引导地址（必须带 /p2p/<id>，/dnsaddr 在拨号时解析），
// 写入地址簿与路由表，然后并发拨号。拨号失败只记录日志：
// 离线启动或引导节点不可达都不影响节点运行。
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("discovery/bootstrap")

// AddrTTL 引导节点地址有效期
const AddrTTL = interfaces.PermanentAddrTTL

// DefaultDialTimeout 单个引导节点的拨号超时
const DefaultDialTimeout = 30 * time.Second

// maxConcurrentDials 同时进行的引导拨号数
const maxConcurrentDials = 8

var (
	// ErrNoPeers 没有配置引导节点
	ErrNoPeers = errors.New("bootstrap: no peers configured")

	// ErrAllFailed 所有引导节点都连接失败
	ErrAllFailed = errors.New("bootstrap: all peers failed")
)

// Router 接收引导节点的路由表（DHT）
type Router interface {
	AddPeer(ai types.AddrInfo, ttl time.Duration)
	Bootstrap()
}

// ParsePeers 解析引导地址，同一节点的多个地址合并
//
// 无法解析或缺少 /p2p 的条目被跳过，合并后的错误与其余有效节点一并返回。
func ParsePeers(ss []string) ([]types.AddrInfo, error) {
	var (
		out  []types.AddrInfo
		errs error
	)
	index := make(map[types.PeerID]int)
	for _, s := range ss {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bootstrap addr %q: %w", s, err))
			continue
		}
		ai, err := types.AddrInfoFromP2pAddr(a)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bootstrap addr %q: %w", s, err))
			continue
		}
		if i, ok := index[ai.ID]; ok {
			out[i].Addrs = append(out[i].Addrs, ai.Addrs...)
			continue
		}
		index[ai.ID] = len(out)
		out = append(out, *ai)
	}
	return out, errs
}

// Service 引导服务
type Service struct {
	host        interfaces.Host
	peers       []types.AddrInfo
	router      Router
	dialTimeout time.Duration

	connected atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务；router 可为 nil
func New(h interfaces.Host, peers []types.AddrInfo, router Router, dialTimeout time.Duration) *Service {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Service{
		host:        h,
		peers:       peers,
		router:      router,
		dialTimeout: dialTimeout,
	}
}

// Peers 引导节点
func (s *Service) Peers() []types.AddrInfo { return s.peers }

// Connected 成功连接的引导节点数
func (s *Service) Connected() int { return int(s.connected.Load()) }

// Start 在后台执行引导，不阻塞启动
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Bootstrap(ctx); err != nil && ctx.Err() == nil {
			log.Warn("引导失败", "err", err)
		}
	}()
}

// Stop 取消进行中的拨号
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Bootstrap 登记引导节点并并发拨号，至少一个成功时返回 nil
func (s *Service) Bootstrap(ctx context.Context) error {
	if len(s.peers) == 0 {
		return ErrNoPeers
	}
	for _, ai := range s.peers {
		s.host.Peerstore().AddAddrs(ai.ID, ai.Addrs, AddrTTL)
		if s.router != nil {
			s.router.AddPeer(ai, AddrTTL)
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxConcurrentDials)
	start := time.Now()
	for _, ai := range s.peers {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
			defer cancel()
			if err := s.host.Connect(dctx, ai); err != nil {
				log.Debug("引导节点连接失败", "peer", ai.ID.ShortString(), "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ai.ID.ShortString(), err))
				mu.Unlock()
				return nil
			}
			s.connected.Add(1)
			log.Debug("引导节点已连接", "peer", ai.ID.ShortString())
			return nil
		})
	}
	_ = g.Wait()

	n := s.Connected()
	log.Info("引导完成", "connected", n, "total", len(s.peers), "elapsed", time.Since(start))
	if n == 0 {
		return fmt.Errorf("%w: %v", ErrAllFailed, multierr.Combine(errs...))
	}
	if s.router != nil {
		s.router.Bootstrap()
	}
	return nil
}
