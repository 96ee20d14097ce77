package server

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/void-p2p/go-void/pkg/types"
)

var (
	// ErrRateLimited 预约请求过于频繁
	ErrRateLimited = errors.New("relay: reservation rate exceeded")

	// ErrTooManyReservations 预约数已满
	ErrTooManyReservations = errors.New("relay: too many reservations")

	// ErrTooManyCircuits 电路数已满
	ErrTooManyCircuits = errors.New("relay: too many circuits")
)

// limiterExpiry 空闲限速器的回收时间
const limiterExpiry = 5 * time.Minute

// LimiterConfig 限流配置
type LimiterConfig struct {
	// ReservationRate 每个节点每分钟预约请求数
	ReservationRate int

	MaxReservations    int
	MaxCircuits        int
	MaxCircuitsPerPeer int
}

type peerRate struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter 预约与电路限流
//
// 预约请求按节点令牌桶限速；电路按总数与每节点数计数。
type Limiter struct {
	cfg LimiterConfig

	mu       sync.Mutex
	rates    map[types.PeerID]*peerRate
	circuits map[types.PeerID]int
	total    int
}

// NewLimiter 创建限流器
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		rates:    make(map[types.PeerID]*peerRate),
		circuits: make(map[types.PeerID]int),
	}
}

// AllowReservation 检查预约请求频率与预约总数
//
// active 为当前预约数，renew 表示该节点已有预约（续约不占新槽位）。
func (l *Limiter) AllowReservation(p types.PeerID, active int, renew bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.gcLocked(now)

	if l.cfg.ReservationRate > 0 {
		pr, ok := l.rates[p]
		if !ok {
			every := time.Minute / time.Duration(l.cfg.ReservationRate)
			pr = &peerRate{lim: rate.NewLimiter(rate.Every(every), l.cfg.ReservationRate)}
			l.rates[p] = pr
		}
		pr.lastSeen = now
		if !pr.lim.AllowN(now, 1) {
			return ErrRateLimited
		}
	}

	if !renew && l.cfg.MaxReservations > 0 && active >= l.cfg.MaxReservations {
		return ErrTooManyReservations
	}
	return nil
}

// AcquireCircuit 占用一条电路；src 为发起方
func (l *Limiter) AcquireCircuit(src types.PeerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxCircuits > 0 && l.total >= l.cfg.MaxCircuits {
		return ErrTooManyCircuits
	}
	if l.cfg.MaxCircuitsPerPeer > 0 && l.circuits[src] >= l.cfg.MaxCircuitsPerPeer {
		return ErrTooManyCircuits
	}
	l.circuits[src]++
	l.total++
	return nil
}

// ReleaseCircuit 释放电路
func (l *Limiter) ReleaseCircuit(src types.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.circuits[src] > 0 {
		l.circuits[src]--
		l.total--
		if l.circuits[src] == 0 {
			delete(l.circuits, src)
		}
	}
}

// ActiveCircuits 当前电路数
func (l *Limiter) ActiveCircuits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *Limiter) gcLocked(now time.Time) {
	for p, pr := range l.rates {
		if now.Sub(pr.lastSeen) > limiterExpiry {
			delete(l.rates, p)
		}
	}
}
