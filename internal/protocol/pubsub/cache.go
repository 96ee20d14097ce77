package pubsub

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxSeen 去重缓存容量上限
const maxSeen = 64 << 10

// messageCache 按心跳分窗的消息历史
//
// windows[0] 是当前窗口，shift 时最老的窗口被丢弃。
// IHAVE 只通告最近 gossip 个窗口内的消息。
type messageCache struct {
	msgs    map[string]*Message
	windows [][]cacheEntry
	gossip  int
}

type cacheEntry struct {
	id    string
	topic string
}

func newMessageCache(history, gossip int) *messageCache {
	if history <= 0 {
		history = 5
	}
	if gossip <= 0 || gossip > history {
		gossip = min(3, history)
	}
	return &messageCache{
		msgs:    make(map[string]*Message),
		windows: make([][]cacheEntry, history),
		gossip:  gossip,
	}
}

func (c *messageCache) put(id string, m *Message) {
	if _, ok := c.msgs[id]; ok {
		return
	}
	c.msgs[id] = m
	c.windows[0] = append(c.windows[0], cacheEntry{id: id, topic: m.Topic})
}

func (c *messageCache) get(id string) (*Message, bool) {
	m, ok := c.msgs[id]
	return m, ok
}

// gossipIDs 最近 gossip 个窗口内该主题的消息 ID
func (c *messageCache) gossipIDs(topic string) []string {
	var ids []string
	for _, w := range c.windows[:c.gossip] {
		for _, e := range w {
			if e.topic == topic {
				ids = append(ids, e.id)
			}
		}
	}
	return ids
}

func (c *messageCache) shift() {
	last := c.windows[len(c.windows)-1]
	for _, e := range last {
		delete(c.msgs, e.id)
	}
	copy(c.windows[1:], c.windows[:len(c.windows)-1])
	c.windows[0] = nil
}

// seenCache 已见消息 ID，超过 ttl 自动过期
type seenCache struct {
	lru *expirable.LRU[string, struct{}]
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{lru: expirable.NewLRU[string, struct{}](maxSeen, nil, ttl)}
}

// add 记录消息；已见过时返回 false
func (s *seenCache) add(id string) bool {
	if s.lru.Contains(id) {
		return false
	}
	s.lru.Add(id, struct{}{})
	return true
}

func (s *seenCache) has(id string) bool {
	return s.lru.Contains(id)
}
