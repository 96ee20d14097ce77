package dht

import (
	"context"
	"sort"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

type queryState int

const (
	stateWaiting queryState = iota
	stateInFlight
	stateSucceeded
	stateFailed
)

type candidate struct {
	id    types.PeerID
	key   Key
	state queryState
}

type queryResult struct {
	from   types.PeerID
	closer []types.AddrInfo
	err    error
}

// lookup 迭代查询离 target 最近的节点
//
// 从路由表中最近的 k 个节点开始，同时最多 alpha 个请求在途；
// 当最近的 k 个未失败的候选都已应答时结束。stop 返回 true 时提前结束。
func (d *DHT) lookup(ctx context.Context, target types.PeerID, stop func(types.AddrInfo) bool) ([]types.PeerID, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()

	tk := KeyForPeer(target)
	seeds := d.rt.NearestPeers(tk, d.cfg.BucketSize)
	if len(seeds) == 0 {
		return nil, ErrNoPeers
	}

	var cands []*candidate
	known := make(map[types.PeerID]*candidate)
	addCand := func(p types.PeerID) {
		if _, ok := known[p]; ok || p == d.host.ID() {
			return
		}
		c := &candidate{id: p, key: KeyForPeer(p)}
		known[p] = c
		cands = append(cands, c)
	}
	for _, p := range seeds {
		addCand(p)
	}

	results := make(chan queryResult, d.cfg.Alpha)
	inflight := 0
	defer func() {
		// 在途请求随 ctx 取消结束，结果丢弃
		cancel()
		for ; inflight > 0; inflight-- {
			<-results
		}
	}()

	for {
		sort.Slice(cands, func(i, j int) bool { return closer(cands[i].key, cands[j].key, tk) })

		// 在最近的 k 个有效候选中发起新请求
		pendingInTopK := false
		live := 0
		for _, c := range cands {
			if c.state == stateFailed {
				continue
			}
			if live >= d.cfg.BucketSize {
				break
			}
			live++
			switch c.state {
			case stateWaiting:
				if inflight >= d.cfg.Alpha {
					pendingInTopK = true
					continue
				}
				c.state = stateInFlight
				inflight++
				go func(p types.PeerID) {
					peers, err := d.findNode(ctx, p, target)
					results <- queryResult{from: p, closer: peers, err: err}
				}(c.id)
				pendingInTopK = true
			case stateInFlight:
				pendingInTopK = true
			}
		}
		if !pendingInTopK {
			break
		}

		var res queryResult
		select {
		case <-ctx.Done():
			return d.closestSucceeded(cands, tk), ctx.Err()
		case res = <-results:
			inflight--
		}

		c := known[res.from]
		if res.err != nil {
			c.state = stateFailed
			if ctx.Err() == nil {
				d.removeFromTable(res.from, res.err)
			}
			continue
		}
		c.state = stateSucceeded
		d.addToTable(res.from)

		for _, ai := range res.closer {
			if ai.ID == d.host.ID() {
				continue
			}
			if len(ai.Addrs) > 0 {
				d.host.Peerstore().AddAddrs(ai.ID, ai.Addrs, interfaces.TempAddrTTL)
			}
			if stop != nil && stop(ai) {
				return d.closestSucceeded(cands, tk), nil
			}
			addCand(ai.ID)
		}
	}
	return d.closestSucceeded(cands, tk), nil
}

// closestSucceeded 已应答的最近 k 个节点
func (d *DHT) closestSucceeded(cands []*candidate, tk Key) []types.PeerID {
	sort.Slice(cands, func(i, j int) bool { return closer(cands[i].key, cands[j].key, tk) })
	var out []types.PeerID
	for _, c := range cands {
		if c.state == stateSucceeded {
			out = append(out, c.id)
			if len(out) == d.cfg.BucketSize {
				break
			}
		}
	}
	return out
}
