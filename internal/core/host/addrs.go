package host

import (
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/pkg/types"
)

// observedActivation 观测地址被多少个不同节点报告后才作为打洞候选
const observedActivation = 2

// observedTTL 观测地址未被再次报告时的保留时间
const observedTTL = 30 * time.Minute

// observedEntry 观测地址条目
type observedEntry struct {
	addr      ma.Multiaddr
	observers map[types.PeerID]struct{}
	lastSeen  time.Time
}

// addrBook 本地地址管理
//
// 三类地址：
//   - external：AutoNAT 确认的公网地址
//   - observed：identify 中对端看到的地址，多个节点一致时激活
//   - candidates：端口映射与 STUN 得到的地址，未经确认
type addrBook struct {
	mu         sync.RWMutex
	external   []ma.Multiaddr
	observed   map[string]*observedEntry
	candidates map[string]ma.Multiaddr

	now func() time.Time
}

func newAddrBook() *addrBook {
	return &addrBook{
		observed:   make(map[string]*observedEntry),
		candidates: make(map[string]ma.Multiaddr),
		now:        time.Now,
	}
}

func (b *addrBook) addExternal(a ma.Multiaddr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range b.external {
		if x.Equal(a) {
			return false
		}
	}
	b.external = append(b.external, a)
	return true
}

func (b *addrBook) removeExternal(a ma.Multiaddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.external {
		if x.Equal(a) {
			b.external = append(b.external[:i], b.external[i+1:]...)
			return
		}
	}
}

func (b *addrBook) externalAddrs() []ma.Multiaddr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]ma.Multiaddr(nil), b.external...)
}

// recordObserved 记录对端报告的观测地址；非公网地址忽略
func (b *addrBook) recordObserved(observer types.PeerID, a ma.Multiaddr) {
	if a == nil || !manet.IsPublicAddr(a) {
		return
	}
	key := string(a.Bytes())

	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.observed[key]
	if e == nil {
		e = &observedEntry{addr: a, observers: make(map[types.PeerID]struct{})}
		b.observed[key] = e
	}
	e.observers[observer] = struct{}{}
	e.lastSeen = b.now()
}

// observedAddrs 已激活的观测地址，顺带清理过期条目
func (b *addrBook) observedAddrs() []ma.Multiaddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var out []ma.Multiaddr
	for k, e := range b.observed {
		if now.Sub(e.lastSeen) > observedTTL {
			delete(b.observed, k)
			continue
		}
		if len(e.observers) >= observedActivation {
			out = append(out, e.addr)
		}
	}
	return out
}

func (b *addrBook) addCandidate(a ma.Multiaddr) {
	b.mu.Lock()
	b.candidates[string(a.Bytes())] = a
	b.mu.Unlock()
}

func (b *addrBook) removeCandidate(a ma.Multiaddr) {
	b.mu.Lock()
	delete(b.candidates, string(a.Bytes()))
	b.mu.Unlock()
}

func (b *addrBook) candidateAddrs() []ma.Multiaddr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ma.Multiaddr, 0, len(b.candidates))
	for _, a := range b.candidates {
		out = append(out, a)
	}
	return out
}

// expandListenAddrs 将通配监听地址展开为各网卡地址
func expandListenAddrs(listen []ma.Multiaddr) []ma.Multiaddr {
	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		log.Debug("获取网卡地址失败", "err", err)
		return listen
	}
	var out []ma.Multiaddr
	for _, a := range listen {
		resolved, err := manet.ResolveUnspecifiedAddress(a, ifaces)
		if err != nil {
			out = append(out, a)
			continue
		}
		out = append(out, resolved...)
	}
	return out
}

// dedupAddrs 按顺序去重
func dedupAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	seen := make(map[string]struct{}, len(addrs))
	out := addrs[:0:0]
	for _, a := range addrs {
		if a == nil {
			continue
		}
		k := string(a.Bytes())
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}
