package dht

import (
	"bytes"
	"crypto/sha256"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/void-p2p/go-void/pkg/types"
)

// KeySize 键空间位数
const KeySize = sha256.Size * 8

// Key Kademlia 键：节点 ID 的 SHA-256
type Key [sha256.Size]byte

// KeyForPeer 节点在键空间中的位置
func KeyForPeer(p types.PeerID) Key {
	return sha256.Sum256(p.Bytes())
}

// Distance XOR 距离
func Distance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CommonPrefixLen 公共前缀位数
func CommonPrefixLen(a, b Key) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return KeySize
}

// closer a 是否比 b 更接近 target
func closer(a, b, target Key) bool {
	da, db := Distance(a, target), Distance(b, target)
	return bytes.Compare(da[:], db[:]) < 0
}

type entry struct {
	id       types.PeerID
	key      Key
	lastSeen time.Time
}

// bucket K 桶：最近活跃的在前，桶满时新节点进入替换缓存
type bucket struct {
	entries      []*entry
	replacements []*entry
}

func (b *bucket) find(id types.PeerID) int {
	for i, e := range b.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// RoutingTable Kademlia 路由表
type RoutingTable struct {
	local Key
	self  types.PeerID
	k     int

	mu      sync.RWMutex
	buckets [KeySize]*bucket
}

// NewRoutingTable 创建路由表
func NewRoutingTable(self types.PeerID, k int) *RoutingTable {
	rt := &RoutingTable{local: KeyForPeer(self), self: self, k: k}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

func (rt *RoutingTable) bucketFor(k Key) *bucket {
	cpl := CommonPrefixLen(rt.local, k)
	if cpl >= KeySize {
		cpl = KeySize - 1
	}
	return rt.buckets[cpl]
}

// Add 加入或刷新节点，返回是否为新加入
//
// 桶满时节点进入替换缓存，返回 false。
func (rt *RoutingTable) Add(p types.PeerID) bool {
	if p == rt.self || p.IsEmpty() {
		return false
	}
	k := KeyForPeer(p)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(k)
	if i := b.find(p); i >= 0 {
		e := b.entries[i]
		e.lastSeen = time.Now()
		copy(b.entries[1:i+1], b.entries[:i])
		b.entries[0] = e
		return false
	}
	e := &entry{id: p, key: k, lastSeen: time.Now()}
	if len(b.entries) < rt.k {
		b.entries = append([]*entry{e}, b.entries...)
		return true
	}
	for i, r := range b.replacements {
		if r.id == p {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append([]*entry{e}, b.replacements...)
	if len(b.replacements) > rt.k {
		b.replacements = b.replacements[:rt.k]
	}
	return false
}

// Remove 移除节点，替换缓存中最新的节点补位
func (rt *RoutingTable) Remove(p types.PeerID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(KeyForPeer(p))
	i := b.find(p)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if len(b.replacements) > 0 {
		b.entries = append(b.entries, b.replacements[0])
		b.replacements = b.replacements[1:]
	}
	return true
}

// Contains 节点是否在表中
func (rt *RoutingTable) Contains(p types.PeerID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.bucketFor(KeyForPeer(p)).find(p) >= 0
}

// NearestPeers 离 target 最近的 n 个节点
func (rt *RoutingTable) NearestPeers(target Key, n int) []types.PeerID {
	rt.mu.RLock()
	var all []*entry
	for _, b := range rt.buckets {
		all = append(all, b.entries...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return closer(all[i].key, all[j].key, target) })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]types.PeerID, len(all))
	for i, e := range all {
		out[i] = e.id
	}
	return out
}

// Size 表中节点数
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.entries)
	}
	return n
}

// Peers 表中全部节点
func (rt *RoutingTable) Peers() []types.PeerID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []types.PeerID
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			out = append(out, e.id)
		}
	}
	return out
}
