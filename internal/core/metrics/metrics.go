// Package metrics 将引擎事件汇总为 Prometheus 指标
//
// 指标注册在私有 Registry 上，不污染全局 DefaultRegisterer。
// Bridge 循环把每个事件交给 Observe；配置了 listen_addr 时通过 promhttp 暴露 /metrics。
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("metrics")

const namespace = "void"

// Metrics 引擎指标
type Metrics struct {
	reg *prometheus.Registry

	connections   *prometheus.GaugeVec
	connEvents    *prometheus.CounterVec
	dialErrors    prometheus.Counter
	listenAddrs   prometheus.Gauge
	signals       *prometheus.CounterVec
	natStatus     prometheus.Gauge
	relayEvents   *prometheus.CounterVec
	holePunches   *prometheus.CounterVec
	mdnsEvents    *prometheus.CounterVec
	dhtBootstraps *prometheus.CounterVec
	gossip        prometheus.Counter
	pingRTT       prometheus.Histogram
	identified    prometheus.Counter
}

// New 创建指标并注册到私有 Registry
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections by transport path",
		}, []string{"path"}),
		connEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection open/close events by direction",
		}, []string{"event", "direction"}),
		dialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Failed outbound dials",
		}),
		listenAddrs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listen_addrs",
			Help:      "Active listen addresses including relay circuits",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signaling exchanges by direction and outcome",
		}, []string{"direction", "result"}),
		natStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nat_status",
			Help:      "AutoNAT reachability: 0 unknown, 1 public, 2 private",
		}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Relay reservation and circuit events",
		}, []string{"event"}),
		holePunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holepunch_total",
			Help:      "Direct connection upgrade attempts by outcome",
		}, []string{"result"}),
		mdnsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mdns_peers_total",
			Help:      "Peers discovered or expired on the local network",
		}, []string{"event"}),
		dhtBootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dht_bootstraps_total",
			Help:      "Routing table refresh lookups by outcome",
		}, []string{"result"}),
		gossip: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_total",
			Help:      "Gossip messages delivered on subscribed topics",
		}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round trip time of successful liveness probes",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		identified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identify_total",
			Help:      "Completed identify exchanges",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.connEvents, m.dialErrors, m.listenAddrs,
		m.signals, m.natStatus, m.relayEvents, m.holePunches,
		m.mdnsEvents, m.dhtBootstraps, m.gossip, m.pingRTT, m.identified,
	)
	return m
}

// Registry 私有 Registry
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterGaugeFunc 注册按需取值的指标（例如路由表大小）
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func pathLabel(relayed bool) string {
	if relayed {
		return "relayed"
	}
	return "direct"
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// Observe 记录一个引擎事件
func (m *Metrics) Observe(ev types.Event) {
	switch e := ev.(type) {
	case *types.SwarmEvent:
		switch e.Kind {
		case types.NewListenAddr:
			m.listenAddrs.Inc()
		case types.ExpiredListenAddr:
			m.listenAddrs.Dec()
		case types.ConnectionEstablished:
			m.connections.WithLabelValues(pathLabel(e.Relayed)).Inc()
			m.connEvents.WithLabelValues("opened", e.Direction.String()).Inc()
		case types.ConnectionClosed:
			m.connections.WithLabelValues(pathLabel(e.Relayed)).Dec()
			m.connEvents.WithLabelValues("closed", e.Direction.String()).Inc()
		case types.OutgoingConnectionError:
			m.dialErrors.Inc()
		}
	case *types.SignalingEvent:
		switch e.Kind {
		case types.SignalInboundRequest:
			m.signals.WithLabelValues("inbound", "ok").Inc()
		case types.SignalInboundFailure:
			m.signals.WithLabelValues("inbound", "failed").Inc()
		case types.SignalResponse:
			m.signals.WithLabelValues("outbound", "ok").Inc()
		case types.SignalOutboundFailure:
			m.signals.WithLabelValues("outbound", "failed").Inc()
		}
	case *types.NATEvent:
		m.natStatus.Set(float64(e.New.Reachability))
	case *types.RelayEvent:
		m.relayEvents.WithLabelValues(e.Type()).Inc()
	case *types.HolePunchEvent:
		if e.Success {
			m.holePunches.WithLabelValues("ok").Inc()
		} else {
			m.holePunches.WithLabelValues("failed").Inc()
		}
	case *types.MDNSEvent:
		if e.Expired {
			m.mdnsEvents.WithLabelValues("expired").Add(float64(len(e.Peers)))
		} else {
			m.mdnsEvents.WithLabelValues("discovered").Add(float64(len(e.Peers)))
		}
	case *types.DHTEvent:
		if e.Bootstrapped {
			m.dhtBootstraps.WithLabelValues(resultLabel(e.Err)).Inc()
		}
	case *types.GossipEvent:
		m.gossip.Inc()
	case *types.PingEvent:
		if e.Err == nil {
			m.pingRTT.Observe(e.RTT.Seconds())
		}
	case *types.IdentifyEvent:
		if e.Err == nil {
			m.identified.Inc()
		}
	}
}

// ============================================================================
//                              HTTP 暴露
// ============================================================================

// Server promhttp 服务
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve 在 addr 上暴露 /metrics，立即返回
func (m *Metrics) Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("指标服务退出", "err", err)
		}
	}()
	log.Info("指标服务已启动", "addr", ln.Addr().String())
	return s, nil
}

// Addr 实际监听地址
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close 关闭服务
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
