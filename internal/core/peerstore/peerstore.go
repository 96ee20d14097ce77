// Package peerstore 实现内存地址簿、密钥簿与协议簿
//
// 记录数量由 LRU 限制，最久未访问的节点先被淘汰。地址按 TTL 过期，
// 过期地址在读取时过滤，并由周期 GC 清除。
package peerstore

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("peerstore")

// DefaultMaxPeers 默认最多记录的节点数
const DefaultMaxPeers = 10_000

var (
	// ErrKeyMismatch 公钥与节点 ID 不匹配
	ErrKeyMismatch = errors.New("peerstore: public key does not match peer ID")

	// ErrNoPublicKey 没有该节点的公钥
	ErrNoPublicKey = errors.New("peerstore: public key not found")
)

type addrEntry struct {
	addr    ma.Multiaddr
	ttl     time.Duration
	expires time.Time
}

type record struct {
	addrs  map[string]*addrEntry
	pub    crypto.PublicKey
	protos map[string]struct{}
	agent  string
}

func newRecord() *record {
	return &record{
		addrs:  make(map[string]*addrEntry),
		protos: make(map[string]struct{}),
	}
}

// Peerstore 节点信息存储
type Peerstore struct {
	mu    sync.Mutex
	peers *lru.Cache[types.PeerID, *record]

	now func() time.Time
}

var _ interfaces.Peerstore = (*Peerstore)(nil)

// New 创建 Peerstore；maxPeers <= 0 使用 DefaultMaxPeers
func New(maxPeers int) *Peerstore {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	cache, _ := lru.New[types.PeerID, *record](maxPeers)
	return &Peerstore{peers: cache, now: time.Now}
}

// get 返回记录，create 为 true 时不存在则创建；调用方持有 mu
func (ps *Peerstore) get(p types.PeerID, create bool) *record {
	if r, ok := ps.peers.Get(p); ok {
		return r
	}
	if !create {
		return nil
	}
	r := newRecord()
	ps.peers.Add(p, r)
	return r
}

// ============================================================================
//                              地址簿
// ============================================================================

// AddAddrs 添加地址；已存在的地址只会延长 TTL
func (ps *Peerstore) AddAddrs(p types.PeerID, addrs []ma.Multiaddr, ttl time.Duration) {
	if p.IsEmpty() || ttl <= 0 {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	r := ps.get(p, true)
	exp := ps.now().Add(ttl)
	for _, a := range addrs {
		if a == nil {
			continue
		}
		// 地址簿只存传输地址，/p2p 后缀去掉
		if bare, id := types.SplitP2PAddr(a); id != "" {
			if id != p || bare == nil {
				continue
			}
			a = bare
		}
		key := string(a.Bytes())
		if e, ok := r.addrs[key]; ok {
			if ttl > e.ttl {
				e.ttl = ttl
			}
			if exp.After(e.expires) {
				e.expires = exp
			}
			continue
		}
		r.addrs[key] = &addrEntry{addr: a, ttl: ttl, expires: exp}
	}
}

// UpdateAddrs 修改指定 TTL 的地址
func (ps *Peerstore) UpdateAddrs(p types.PeerID, oldTTL, newTTL time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	r := ps.get(p, false)
	if r == nil {
		return
	}
	exp := ps.now().Add(newTTL)
	for key, e := range r.addrs {
		if e.ttl != oldTTL {
			continue
		}
		if newTTL <= 0 {
			delete(r.addrs, key)
			continue
		}
		e.ttl = newTTL
		e.expires = exp
	}
}

// Addrs 返回未过期的地址
func (ps *Peerstore) Addrs(p types.PeerID) []ma.Multiaddr {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	r := ps.get(p, false)
	if r == nil {
		return nil
	}
	now := ps.now()
	out := make([]ma.Multiaddr, 0, len(r.addrs))
	for _, e := range r.addrs {
		if now.Before(e.expires) {
			out = append(out, e.addr)
		}
	}
	return out
}

// ClearAddrs 清除地址
func (ps *Peerstore) ClearAddrs(p types.PeerID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if r := ps.get(p, false); r != nil {
		r.addrs = make(map[string]*addrEntry)
	}
}

// PeersWithAddrs 有未过期地址的节点
func (ps *Peerstore) PeersWithAddrs() []types.PeerID {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.now()
	var out []types.PeerID
	for _, p := range ps.peers.Keys() {
		r, ok := ps.peers.Peek(p)
		if !ok {
			continue
		}
		for _, e := range r.addrs {
			if now.Before(e.expires) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// PeerInfo 返回 AddrInfo
func (ps *Peerstore) PeerInfo(p types.PeerID) types.AddrInfo {
	return types.AddrInfo{ID: p, Addrs: ps.Addrs(p)}
}

// ============================================================================
//                              密钥簿
// ============================================================================

// AddPubKey 记录公钥
func (ps *Peerstore) AddPubKey(p types.PeerID, pub crypto.PublicKey) error {
	if !crypto.MatchesPublicKey(p, pub) {
		return ErrKeyMismatch
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.get(p, true).pub = pub
	return nil
}

// PubKey 返回公钥；未记录时尝试从 ID 还原
func (ps *Peerstore) PubKey(p types.PeerID) (crypto.PublicKey, error) {
	ps.mu.Lock()
	r := ps.get(p, false)
	var pub crypto.PublicKey
	if r != nil {
		pub = r.pub
	}
	ps.mu.Unlock()

	if pub != nil {
		return pub, nil
	}
	pub, err := crypto.ExtractPublicKey(p)
	if err != nil {
		return nil, ErrNoPublicKey
	}
	return pub, nil
}

// ============================================================================
//                              协议簿与元数据
// ============================================================================

// SetProtocols 替换节点支持的协议
func (ps *Peerstore) SetProtocols(p types.PeerID, protos []string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	r := ps.get(p, true)
	r.protos = make(map[string]struct{}, len(protos))
	for _, proto := range protos {
		r.protos[proto] = struct{}{}
	}
}

// SupportsProtocol 节点是否声明支持协议
func (ps *Peerstore) SupportsProtocol(p types.PeerID, proto string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	r := ps.get(p, false)
	if r == nil {
		return false
	}
	_, ok := r.protos[proto]
	return ok
}

// SetAgentVersion 记录 agent 版本
func (ps *Peerstore) SetAgentVersion(p types.PeerID, agent string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.get(p, true).agent = agent
}

// AgentVersion 返回 agent 版本
func (ps *Peerstore) AgentVersion(p types.PeerID) string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if r := ps.get(p, false); r != nil {
		return r.agent
	}
	return ""
}

// RemovePeer 删除节点
func (ps *Peerstore) RemovePeer(p types.PeerID) {
	ps.peers.Remove(p)
}

// ============================================================================
//                              GC
// ============================================================================

// GC 清除过期地址；没有任何信息的节点一并删除，返回清除的地址数
func (ps *Peerstore) GC() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.now()
	removed := 0
	for _, p := range ps.peers.Keys() {
		r, ok := ps.peers.Peek(p)
		if !ok {
			continue
		}
		for key, e := range r.addrs {
			if !now.Before(e.expires) {
				delete(r.addrs, key)
				removed++
			}
		}
		if len(r.addrs) == 0 && r.pub == nil && len(r.protos) == 0 && r.agent == "" {
			ps.peers.Remove(p)
		}
	}
	if removed > 0 {
		log.Debug("地址 GC 完成", "removed", removed)
	}
	return removed
}
