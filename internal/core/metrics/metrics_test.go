package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/types"
)

func TestObserve(t *testing.T) {
	m := New()
	base := types.NewBaseEvent()

	m.Observe(&types.SwarmEvent{BaseEvent: base, Kind: types.ConnectionEstablished, Direction: types.DirOutbound})
	m.Observe(&types.SwarmEvent{BaseEvent: base, Kind: types.ConnectionEstablished, Direction: types.DirInbound, Relayed: true})
	m.Observe(&types.SwarmEvent{BaseEvent: base, Kind: types.ConnectionClosed, Direction: types.DirOutbound})
	m.Observe(&types.SwarmEvent{BaseEvent: base, Kind: types.OutgoingConnectionError})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connections.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("relayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connEvents.WithLabelValues("closed", "outbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dialErrors))

	m.Observe(&types.SignalingEvent{BaseEvent: base, Kind: types.SignalResponse})
	m.Observe(&types.SignalingEvent{BaseEvent: base, Kind: types.SignalOutboundFailure, Err: errors.New("x")})
	m.Observe(&types.SignalingEvent{BaseEvent: base, Kind: types.SignalInboundRequest})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("outbound", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("outbound", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("inbound", "ok")))

	m.Observe(&types.NATEvent{BaseEvent: base, New: types.NATStatus{Reachability: types.ReachabilityPrivate}})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.natStatus))

	m.Observe(&types.MDNSEvent{BaseEvent: base, Peers: make([]types.AddrInfo, 3)})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.mdnsEvents.WithLabelValues("discovered")))

	m.Observe(&types.PingEvent{BaseEvent: base, RTT: 20 * time.Millisecond})
	assert.Equal(t, 1, testutil.CollectAndCount(m.pingRTT))
}

func TestGaugeFuncAndServe(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterGaugeFunc("dht_routing_table_size", "peers in the routing table", func() float64 { return 7 }))
	assert.Error(t, m.RegisterGaugeFunc("dht_routing_table_size", "dup", func() float64 { return 0 }))

	s, err := m.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Close(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "void_dht_routing_table_size 7")
	assert.Contains(t, string(body), "go_goroutines")
}
