package ping

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

// echoRW 原样回显写入的数据
type echoRW struct {
	buf     bytes.Buffer
	corrupt bool
}

func (e *echoRW) Write(p []byte) (int, error) {
	if e.corrupt {
		q := append([]byte(nil), p...)
		q[0] ^= 0xff
		return e.buf.Write(q)
	}
	return e.buf.Write(p)
}

func (e *echoRW) Read(p []byte) (int, error) { return e.buf.Read(p) }

func TestRoundTrip(t *testing.T) {
	rtt, err := roundTrip(&echoRW{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	_, err = roundTrip(&echoRW{corrupt: true})
	assert.ErrorIs(t, err, ErrDataMismatch)
}

func TestPing_Loopback(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	b.SetStreamHandler(ProtocolID, Handler)
	hosttest.Connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		rtt, err := Ping(ctx, a, b.ID())
		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	}
	t.Logf("✅ 回环 ping 成功")
}

func TestPing_BadEcho(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	b.SetStreamHandler(ProtocolID, func(s interfaces.Stream) {
		defer s.Close()
		buf := make([]byte, PingSize)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		buf[0] ^= 0xff
		_, _ = s.Write(buf)
	})
	hosttest.Connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Ping(ctx, a, b.ID())
	assert.ErrorIs(t, err, ErrDataMismatch)
}

func TestPing_Unsupported(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	hosttest.Connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Ping(ctx, a, b.ID())
	assert.Error(t, err)
}

func TestService_EmitsEvents(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)

	sa := NewService(a, 50*time.Millisecond, time.Second)
	sa.Start(context.Background())
	defer sa.Stop()
	sb := NewService(b, 0, 0)
	sb.Start(context.Background())
	defer sb.Stop()

	rec := hosttest.Record(a)
	hosttest.Connect(t, a, b)

	ev := rec.Wait(t, 5*time.Second, func(e types.Event) bool {
		pe, ok := e.(*types.PingEvent)
		return ok && pe.Peer == b.ID()
	}).(*types.PingEvent)
	assert.NoError(t, ev.Err)
	assert.Greater(t, ev.RTT, time.Duration(0))
}

func TestService_PingDoesNotKeepConnAlive(t *testing.T) {
	a := hosttest.New(t, hosttest.Options{IdleTimeout: 300 * time.Millisecond})
	b := hosttest.New(t)

	sa := NewService(a, 50*time.Millisecond, time.Second)
	sa.Start(context.Background())
	defer sa.Stop()
	sb := NewService(b, 0, 0)
	sb.Start(context.Background())
	defer sb.Stop()

	hosttest.Connect(t, a, b)
	hosttest.Eventually(t, 3*time.Second, func() bool {
		return len(a.ConnsToPeer(b.ID())) == 0
	}, "空闲连接应被关闭")
}
