package swarm

import (
	"context"
	"fmt"
	"sort"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/void-p2p/go-void/pkg/types"
)

// dialCall 进行中的拨号，同一节点的并发调用共享结果
type dialCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

// DialPeer 返回到节点的连接；已有连接时直接返回，否则按地址簿拨号
func (s *Swarm) DialPeer(ctx context.Context, p types.PeerID) (*Conn, error) {
	if s.closed.Load() {
		return nil, ErrSwarmClosed
	}
	if p == s.local {
		return nil, ErrDialToSelf
	}
	if c := s.bestConn(p); c != nil {
		return c, nil
	}

	s.dialMu.Lock()
	if call, ok := s.dials[p]; ok {
		s.dialMu.Unlock()
		select {
		case <-call.done:
			return call.conn, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	s.dials[p] = call
	s.dialMu.Unlock()

	call.conn, call.err = s.dialAddrs(ctx, p, s.ps.Addrs(p))

	s.dialMu.Lock()
	delete(s.dials, p)
	s.dialMu.Unlock()
	close(call.done)

	if call.err != nil {
		s.emit(&types.SwarmEvent{
			BaseEvent: types.NewBaseEvent(),
			Kind:      types.OutgoingConnectionError,
			Peer:      p,
			Err:       call.err,
		})
	}
	return call.conn, call.err
}

// DialAddr 在指定地址上建立新连接（不复用已有连接）
func (s *Swarm) DialAddr(ctx context.Context, p types.PeerID, addr ma.Multiaddr) (*Conn, error) {
	if s.closed.Load() {
		return nil, ErrSwarmClosed
	}
	if p == s.local {
		return nil, ErrDialToSelf
	}
	c, err := s.dialAddrs(ctx, p, []ma.Multiaddr{addr})
	if err != nil {
		s.emit(&types.SwarmEvent{
			BaseEvent: types.NewBaseEvent(),
			Kind:      types.OutgoingConnectionError,
			Peer:      p,
			Addr:      addr,
			Err:       err,
		})
	}
	return c, err
}

// dialAddrs 依次尝试地址，直连优先
func (s *Swarm) dialAddrs(ctx context.Context, p types.PeerID, addrs []ma.Multiaddr) (*Conn, error) {
	addrs = s.resolveAddrs(ctx, p, addrs)
	if len(addrs) == 0 {
		return nil, &DialError{Peer: p, Err: ErrNoAddresses}
	}
	rankAddrs(addrs)

	var errs error
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		t := s.transportFor(addr)
		if t == nil || !t.CanDial(addr) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, ErrNoTransport))
			continue
		}

		dctx := ctx
		cancel := func() {}
		if s.dialTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		}
		cc, err := t.Dial(dctx, addr, p)
		cancel()
		if err != nil {
			log.Debug("拨号失败", "peer", p.ShortString(), "addr", addr, "err", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		if cc.RemotePeer() != p {
			cc.Close()
			errs = multierr.Append(errs, fmt.Errorf("%s: unexpected peer %s", addr, cc.RemotePeer().ShortString()))
			continue
		}
		return s.addConn(cc, types.DirOutbound)
	}
	return nil, &DialError{Peer: p, Err: errs}
}

// resolveAddrs 展开 DNS 地址并过滤属于其他节点的地址
func (s *Swarm) resolveAddrs(ctx context.Context, p types.PeerID, addrs []ma.Multiaddr) []ma.Multiaddr {
	var out []ma.Multiaddr
	seen := make(map[string]struct{})
	add := func(a ma.Multiaddr) {
		bare, id := types.SplitP2PAddr(a)
		if id != "" && id != p {
			return
		}
		if bare == nil {
			return
		}
		key := string(bare.Bytes())
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, bare)
	}

	for _, a := range addrs {
		if s.resolver == nil || !isDNS(a) {
			add(a)
			continue
		}
		resolved, err := s.resolver.Resolve(ctx, a)
		if err != nil {
			log.Debug("地址解析失败", "addr", a, "err", err)
			continue
		}
		for _, r := range resolved {
			add(r)
		}
	}
	return out
}

func isDNS(a ma.Multiaddr) bool {
	protos := a.Protocols()
	if len(protos) == 0 {
		return false
	}
	switch protos[0].Code {
	case ma.P_DNSADDR, ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
		return true
	}
	return false
}

// rankAddrs 排序：QUIC < TCP < WebSocket < 中继
func rankAddrs(addrs []ma.Multiaddr) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrRank(addrs[i]) < addrRank(addrs[j])
	})
}

func addrRank(a ma.Multiaddr) int {
	if types.IsRelayAddr(a) {
		return 3
	}
	protos := a.Protocols()
	if len(protos) == 0 {
		return 4
	}
	switch protos[len(protos)-1].Code {
	case ma.P_QUIC_V1:
		return 0
	case ma.P_TCP:
		return 1
	case ma.P_WS:
		return 2
	}
	return 4
}
