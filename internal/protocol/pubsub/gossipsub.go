// Package pubsub 实现 GossipSub v1.1（/meshsub/1.1.0）
//
// 每个订阅的主题维护一个度数在 [Dlo, Dhi] 之间、目标为 D 的 mesh：
// 收到的新消息转发给 mesh 内的节点，心跳时 GRAFT/PRUNE 调整 mesh，
// 并向 mesh 外订阅了该主题的节点发送 IHAVE，对方用 IWANT 取回缺失的消息。
//
// 消息 ID 为数据的 SHA-256；严格签名模式下拒绝未签名或签名错误的消息。
// 本地发布的消息发给所有订阅了该主题的已知节点。
//
// 路由器已接入节点但没有命令使用它，订阅的主题收到消息时以 GossipEvent 交给 Host。
package pubsub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("protocol/pubsub")

// ProtocolID gossipsub 协议
const ProtocolID = protocolids.GossipSub

const (
	signPrefix = "libp2p-pubsub:"

	// pruneBackoff PRUNE 后不再 GRAFT 同一节点的时长
	pruneBackoff = time.Minute

	peerQueueSize  = 32
	maxIHaveLength = 5000
	streamTimeout  = 10 * time.Second

	// rpcOverhead 单帧中除消息数据以外的开销
	rpcOverhead = 64 << 10
)

var (
	// ErrNotStarted 路由器未启动
	ErrNotStarted = errors.New("pubsub: router not running")

	// ErrEmptyTopic 主题为空
	ErrEmptyTopic = errors.New("pubsub: empty topic")

	// ErrMessageTooLarge 数据超过上限
	ErrMessageTooLarge = errors.New("pubsub: message too large")

	// ErrInvalidSignature 签名缺失或错误
	ErrInvalidSignature = errors.New("pubsub: invalid signature")
)

// Config gossipsub 参数
type Config struct {
	D, Dlo, Dhi int

	// Dlazy 每次心跳每个主题 IHAVE 的目标节点数
	Dlazy int

	HeartbeatInterval time.Duration

	// HistoryLength 消息缓存保留的心跳数
	HistoryLength int

	// HistoryGossip IHAVE 通告的心跳数
	HistoryGossip int

	SeenTTL        time.Duration
	StrictSigning  bool
	MaxMessageSize int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		D:                 6,
		Dlo:               4,
		Dhi:               12,
		Dlazy:             6,
		HeartbeatInterval: time.Second,
		HistoryLength:     5,
		HistoryGossip:     3,
		SeenTTL:           2 * time.Minute,
		StrictSigning:     true,
		MaxMessageSize:    1 << 20,
	}
}

// Signer 消息签名者（节点身份）
type Signer interface {
	ID() types.PeerID
	Sign(data []byte) ([]byte, error)
}

// MessageID 消息 ID：数据的 SHA-256（hex）
func MessageID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type peerState struct {
	out    chan []byte
	cancel context.CancelFunc
}

// Router gossipsub 路由器
type Router struct {
	host   interfaces.Host
	signer Signer
	cfg    Config
	seqno  atomic.Uint64

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	peers      map[types.PeerID]*peerState // 已打开出站流的节点
	opening    map[types.PeerID]struct{}
	peerTopics map[types.PeerID]map[string]struct{}
	mySubs     map[string]struct{}
	mesh       map[string]map[types.PeerID]struct{}
	backoff    map[string]map[types.PeerID]time.Time
	mcache     *messageCache
	seen       *seenCache

	wg sync.WaitGroup
}

// New 创建路由器
func New(h interfaces.Host, signer Signer, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.D <= 0 {
		cfg.D, cfg.Dlo, cfg.Dhi = def.D, def.Dlo, def.Dhi
	}
	if cfg.Dlazy <= 0 {
		cfg.Dlazy = def.Dlazy
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = def.SeenTTL
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	r := &Router{
		host:       h,
		signer:     signer,
		cfg:        cfg,
		peers:      make(map[types.PeerID]*peerState),
		opening:    make(map[types.PeerID]struct{}),
		peerTopics: make(map[types.PeerID]map[string]struct{}),
		mySubs:     make(map[string]struct{}),
		mesh:       make(map[string]map[types.PeerID]struct{}),
		backoff:    make(map[string]map[types.PeerID]time.Time),
		mcache:     newMessageCache(cfg.HistoryLength, cfg.HistoryGossip),
		seen:       newSeenCache(cfg.SeenTTL),
	}
	r.seqno.Store(uint64(time.Now().UnixNano()))
	return r
}

// Start 注册处理函数，向已连接节点打开流并启动心跳
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.host.SetStreamHandler(ProtocolID, r.handleStream)
	r.host.Notify(interfaces.Notifiee{
		Connected:    func(c interfaces.Conn) { r.ensureStream(c.RemotePeer()) },
		Disconnected: r.disconnected,
	})
	for _, p := range r.host.Peers() {
		r.ensureStream(p)
	}

	r.wg.Add(1)
	go r.heartbeatLoop()
	log.Debug("gossipsub 已启动", "d", r.cfg.D, "heartbeat", r.cfg.HeartbeatInterval)
}

// Stop 停止路由器并关闭所有流
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.host.RemoveStreamHandler(ProtocolID)
	r.wg.Wait()
}

// ============================================================================
//                              订阅与发布
// ============================================================================

// Subscribe 订阅主题并加入 mesh
func (r *Router) Subscribe(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	out := make(outgoing)
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := r.mySubs[topic]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mySubs[topic] = struct{}{}
	r.mesh[topic] = make(map[types.PeerID]struct{})
	for p := range r.peers {
		out.rpc(p).Subscriptions = append(out.rpc(p).Subscriptions, subOpts{Subscribe: true, Topic: topic})
	}
	r.graftLocked(out, topic, r.cfg.D)
	r.mu.Unlock()

	r.flush(out)
	return nil
}

// Unsubscribe 退订主题，向 mesh 节点发送 PRUNE
func (r *Router) Unsubscribe(topic string) {
	out := make(outgoing)
	r.mu.Lock()
	if _, ok := r.mySubs[topic]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.mySubs, topic)
	for p := range r.mesh[topic] {
		out.control(p).Prune = append(out.control(p).Prune, prune{Topic: topic, Backoff: uint64(pruneBackoff / time.Second)})
	}
	delete(r.mesh, topic)
	for p := range r.peers {
		out.rpc(p).Subscriptions = append(out.rpc(p).Subscriptions, subOpts{Subscribe: false, Topic: topic})
	}
	r.mu.Unlock()

	r.flush(out)
}

// Publish 签名并发布消息，返回消息 ID
func (r *Router) Publish(topic string, data []byte) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if len(data) > r.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), r.cfg.MaxMessageSize)
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, r.seqno.Add(1))
	msg := &Message{From: r.signer.ID(), Data: data, Seqno: seq, Topic: topic}
	sig, err := r.signer.Sign(append([]byte(signPrefix), msg.marshal(false)...))
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	msg.Signature = sig
	id := MessageID(data)

	out := make(outgoing)
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return "", ErrNotStarted
	}
	r.seen.add(id)
	r.mcache.put(id, msg)
	n := 0
	for p, topics := range r.peerTopics {
		if _, ok := topics[topic]; ok {
			out.rpc(p).Publish = append(out.rpc(p).Publish, msg)
			n++
		}
	}
	r.mu.Unlock()

	if n == 0 {
		log.Debug("没有订阅该主题的节点", "topic", topic)
	}
	r.flush(out)
	return id, nil
}

// Topics 本地订阅的主题
func (r *Router) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.mySubs))
	for t := range r.mySubs {
		out = append(out, t)
	}
	return out
}

// ListPeers 订阅了主题的已知节点
func (r *Router) ListPeers(topic string) []types.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.PeerID
	for p, topics := range r.peerTopics {
		if _, ok := topics[topic]; ok {
			out = append(out, p)
		}
	}
	return out
}

// MeshPeers 主题 mesh 内的节点
func (r *Router) MeshPeers(topic string) []types.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.PeerID, 0, len(r.mesh[topic]))
	for p := range r.mesh[topic] {
		out = append(out, p)
	}
	return out
}

// ============================================================================
//                              RPC 处理
// ============================================================================

// outgoing 按节点聚合的待发 RPC
type outgoing map[types.PeerID]*rpc

func (o outgoing) rpc(p types.PeerID) *rpc {
	m, ok := o[p]
	if !ok {
		m = &rpc{}
		o[p] = m
	}
	return m
}

func (o outgoing) control(p types.PeerID) *control {
	m := o.rpc(p)
	if m.Control == nil {
		m.Control = &control{}
	}
	return m.Control
}

func (r *Router) handleRPC(from types.PeerID, m *rpc) {
	out := make(outgoing)
	var deliver []*types.GossipEvent

	r.mu.Lock()
	for _, s := range m.Subscriptions {
		topics := r.peerTopics[from]
		if s.Subscribe {
			if topics == nil {
				topics = make(map[string]struct{})
				r.peerTopics[from] = topics
			}
			topics[s.Topic] = struct{}{}
			continue
		}
		delete(topics, s.Topic)
		delete(r.mesh[s.Topic], from)
	}

	for _, msg := range m.Publish {
		if err := r.validate(msg); err != nil {
			log.Debug("丢弃无效消息", "from", from.ShortString(), "topic", msg.Topic, "err", err)
			continue
		}
		id := MessageID(msg.Data)
		if !r.seen.add(id) {
			continue
		}
		r.mcache.put(id, msg)
		if _, ok := r.mySubs[msg.Topic]; !ok {
			continue
		}
		deliver = append(deliver, &types.GossipEvent{
			BaseEvent: types.NewBaseEvent(),
			Topic:     msg.Topic,
			From:      msg.From,
			MessageID: id,
			Data:      msg.Data,
		})
		for p := range r.mesh[msg.Topic] {
			if p != from && p != msg.From {
				out.rpc(p).Publish = append(out.rpc(p).Publish, msg)
			}
		}
	}

	if c := m.Control; c != nil {
		r.handleControlLocked(out, from, c)
	}
	r.mu.Unlock()

	r.flush(out)
	for _, ev := range deliver {
		r.host.Emit(ev)
	}
}

func (r *Router) handleControlLocked(out outgoing, from types.PeerID, c *control) {
	var want []string
	for _, ih := range c.IHave {
		if _, ok := r.mySubs[ih.Topic]; !ok {
			continue
		}
		for _, id := range ih.IDs {
			if !r.seen.has(id) && len(want) < maxIHaveLength {
				want = append(want, id)
			}
		}
	}
	if len(want) > 0 {
		out.control(from).IWant = append(out.control(from).IWant, want)
	}

	for _, ids := range c.IWant {
		for _, id := range ids {
			if msg, ok := r.mcache.get(id); ok {
				out.rpc(from).Publish = append(out.rpc(from).Publish, msg)
			}
		}
	}

	now := time.Now()
	for _, topic := range c.Graft {
		_, subscribed := r.mySubs[topic]
		if !subscribed || r.backedOffLocked(topic, from, now) {
			out.control(from).Prune = append(out.control(from).Prune, prune{Topic: topic, Backoff: uint64(pruneBackoff / time.Second)})
			continue
		}
		r.mesh[topic][from] = struct{}{}
	}

	for _, p := range c.Prune {
		delete(r.mesh[p.Topic], from)
		d := time.Duration(p.Backoff) * time.Second
		if d <= 0 {
			d = pruneBackoff
		}
		r.setBackoffLocked(p.Topic, from, now.Add(d))
	}
}

// validate 校验主题、大小与签名
func (r *Router) validate(msg *Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	if len(msg.Data) > r.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}
	if !r.cfg.StrictSigning {
		return nil
	}
	if len(msg.Signature) == 0 || msg.From.IsEmpty() {
		return ErrInvalidSignature
	}

	var (
		pub crypto.PublicKey
		err error
	)
	if len(msg.Key) > 0 {
		pub, err = crypto.UnmarshalPublicKey(msg.Key)
		if err == nil && !crypto.MatchesPublicKey(msg.From, pub) {
			err = ErrInvalidSignature
		}
	} else {
		pub, err = crypto.ExtractPublicKey(msg.From)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ok, err := pub.Verify(append([]byte(signPrefix), msg.marshal(false)...), msg.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

func (r *Router) backedOffLocked(topic string, p types.PeerID, now time.Time) bool {
	until, ok := r.backoff[topic][p]
	return ok && now.Before(until)
}

func (r *Router) setBackoffLocked(topic string, p types.PeerID, until time.Time) {
	m := r.backoff[topic]
	if m == nil {
		m = make(map[types.PeerID]time.Time)
		r.backoff[topic] = m
	}
	m[p] = until
}

// graftLocked 从订阅了主题、不在 mesh 且未退避的节点中补足到 target 个
func (r *Router) graftLocked(out outgoing, topic string, target int) {
	m := r.mesh[topic]
	now := time.Now()
	var cands []types.PeerID
	for p, topics := range r.peerTopics {
		if _, ok := topics[topic]; !ok {
			continue
		}
		if _, in := m[p]; in || r.backedOffLocked(topic, p, now) {
			continue
		}
		if _, ok := r.peers[p]; !ok {
			continue
		}
		cands = append(cands, p)
	}
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	for _, p := range cands {
		if len(m) >= target {
			break
		}
		m[p] = struct{}{}
		out.control(p).Graft = append(out.control(p).Graft, topic)
	}
}

// ============================================================================
//                              心跳
// ============================================================================

func (r *Router) heartbeatLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			r.heartbeat()
		}
	}
}

func (r *Router) heartbeat() {
	out := make(outgoing)
	r.mu.Lock()
	now := time.Now()
	for topic := range r.mySubs {
		m := r.mesh[topic]
		if len(m) < r.cfg.Dlo {
			r.graftLocked(out, topic, r.cfg.D)
		}
		if len(m) > r.cfg.Dhi {
			members := make([]types.PeerID, 0, len(m))
			for p := range m {
				members = append(members, p)
			}
			rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
			for _, p := range members[r.cfg.D:] {
				delete(m, p)
				r.setBackoffLocked(topic, p, now.Add(pruneBackoff))
				out.control(p).Prune = append(out.control(p).Prune, prune{Topic: topic, Backoff: uint64(pruneBackoff / time.Second)})
			}
		}
		r.emitGossipLocked(out, topic)
	}

	for topic, peers := range r.backoff {
		for p, until := range peers {
			if now.After(until) {
				delete(peers, p)
			}
		}
		if len(peers) == 0 {
			delete(r.backoff, topic)
		}
	}
	r.mcache.shift()
	r.mu.Unlock()

	r.flush(out)
}

// emitGossipLocked 向 mesh 外订阅了主题的节点发送 IHAVE
func (r *Router) emitGossipLocked(out outgoing, topic string) {
	ids := r.mcache.gossipIDs(topic)
	if len(ids) == 0 {
		return
	}
	if len(ids) > maxIHaveLength {
		ids = ids[:maxIHaveLength]
	}
	var cands []types.PeerID
	for p, topics := range r.peerTopics {
		if _, ok := topics[topic]; !ok {
			continue
		}
		if _, in := r.mesh[topic][p]; !in {
			cands = append(cands, p)
		}
	}
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	if len(cands) > r.cfg.Dlazy {
		cands = cands[:r.cfg.Dlazy]
	}
	for _, p := range cands {
		out.control(p).IHave = append(out.control(p).IHave, ihave{Topic: topic, IDs: ids})
	}
}

// ============================================================================
//                              流
// ============================================================================

// flush 把聚合的 RPC 放入各节点的发送队列；队列满时丢弃
func (r *Router) flush(out outgoing) {
	for p, m := range out {
		if m.empty() {
			continue
		}
		r.mu.Lock()
		ps := r.peers[p]
		r.mu.Unlock()
		if ps == nil {
			continue
		}
		select {
		case ps.out <- m.Marshal():
		default:
			log.Debug("发送队列已满，丢弃 RPC", "peer", p.ShortString())
		}
	}
}

// ensureStream 异步打开到节点的出站流
func (r *Router) ensureStream(p types.PeerID) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	if _, ok := r.peers[p]; ok {
		r.mu.Unlock()
		return
	}
	if _, ok := r.opening[p]; ok {
		r.mu.Unlock()
		return
	}
	r.opening[p] = struct{}{}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.openStream(ctx, p)
	}()
}

func (r *Router) openStream(ctx context.Context, p types.PeerID) {
	defer func() {
		r.mu.Lock()
		delete(r.opening, p)
		r.mu.Unlock()
	}()

	// 只在现有连接上开流，断开的节点不重新拨号
	if len(r.host.ConnsToPeer(p)) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, streamTimeout)
	st, err := r.host.NewStream(sctx, p, ProtocolID)
	cancel()
	if err != nil {
		log.Debug("对端不支持 gossipsub", "peer", p.ShortString(), "err", err)
		return
	}
	interfaces.MarkTransient(st)

	pctx, pcancel := context.WithCancel(ctx)
	ps := &peerState{out: make(chan []byte, peerQueueSize), cancel: pcancel}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		pcancel()
		_ = st.Reset()
		return
	}
	r.peers[p] = ps
	hello := &rpc{}
	for t := range r.mySubs {
		hello.Subscriptions = append(hello.Subscriptions, subOpts{Subscribe: true, Topic: t})
	}
	r.mu.Unlock()

	if !hello.empty() {
		ps.out <- hello.Marshal()
	}
	r.writeLoop(pctx, p, ps, st)
}

func (r *Router) writeLoop(ctx context.Context, p types.PeerID, ps *peerState, st interfaces.Stream) {
	w := pbio.NewWriter(st)
	defer r.removePeer(p, ps)
	for {
		select {
		case <-ctx.Done():
			_ = st.Close()
			return
		case b := <-ps.out:
			_ = st.SetWriteDeadline(time.Now().Add(streamTimeout))
			if err := w.WriteMsg(b); err != nil {
				log.Debug("gossipsub 写入失败", "peer", p.ShortString(), "err", err)
				_ = st.Reset()
				return
			}
		}
	}
}

func (r *Router) removePeer(p types.PeerID, ps *peerState) {
	ps.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p] != ps {
		return
	}
	delete(r.peers, p)
	delete(r.peerTopics, p)
	for _, m := range r.mesh {
		delete(m, p)
	}
}

func (r *Router) disconnected(c interfaces.Conn) {
	p := c.RemotePeer()
	if len(r.host.ConnsToPeer(p)) > 0 {
		return
	}
	r.mu.Lock()
	ps := r.peers[p]
	r.mu.Unlock()
	if ps != nil {
		ps.cancel()
	}
}

func (r *Router) handleStream(st interfaces.Stream) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		_ = st.Reset()
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	interfaces.MarkTransient(st)
	stop := context.AfterFunc(ctx, func() { _ = st.Reset() })
	defer stop()

	from := st.Conn().RemotePeer()
	r.ensureStream(from)

	rd := pbio.NewReader(st, r.cfg.MaxMessageSize+rpcOverhead)
	for {
		b, err := rd.ReadMsg()
		if err != nil {
			_ = st.Reset()
			return
		}
		var m rpc
		if err := m.Unmarshal(b); err != nil {
			log.Debug("无法解析 gossipsub RPC", "peer", from.ShortString(), "err", err)
			_ = st.Reset()
			return
		}
		r.handleRPC(from, &m)
	}
}
