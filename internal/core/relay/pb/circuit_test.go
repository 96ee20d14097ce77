package pb

import (
	"bytes"
	"io"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
)

func TestHopMessage_ReserveResponse(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	in := &HopMessage{
		Type:   HopStatus,
		Status: StatusOK,
		Reservation: &Reservation{
			Expire: 1700000000,
			Addrs:  []ma.Multiaddr{ma.StringCast("/ip4/1.2.3.4/tcp/4001/p2p/" + id.ID().String())},
		},
		Limit: &Limit{Duration: 120, Data: 1 << 17},
		Peer:  &Peer{ID: id.ID()},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteHop(&buf, in))
	out, err := ReadHop(&buf)
	require.NoError(t, err)

	assert.Equal(t, HopStatus, out.Type)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, uint64(1700000000), out.Reservation.Expire)
	require.Len(t, out.Reservation.Addrs, 1)
	assert.True(t, out.Reservation.Addrs[0].Equal(in.Reservation.Addrs[0]))
	assert.Equal(t, *in.Limit, *out.Limit)
	assert.Equal(t, id.ID(), out.Peer.ID)
}

func TestHopMessage_ReserveTypeIsZero(t *testing.T) {
	// RESERVE 的类型值为 0，仍必须显式编码
	b := (&HopMessage{Type: HopReserve}).Marshal()
	require.NotEmpty(t, b)

	var m HopMessage
	require.NoError(t, m.Unmarshal(b))
	assert.Equal(t, HopReserve, m.Type)

	assert.ErrorIs(t, m.Unmarshal(nil), pbio.ErrMalformed)
}

func TestStopMessage_PeerWithoutID(t *testing.T) {
	b := pbio.AppendVarint(nil, 1, uint64(StopConnect))
	b = pbio.AppendMessage(b, 2, pbio.AppendBytes(nil, 2, ma.StringCast("/ip4/1.2.3.4/tcp/1").Bytes()))

	var m StopMessage
	assert.ErrorIs(t, m.Unmarshal(b), pbio.ErrMalformed)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "NO_RESERVATION", StatusNoReservation.String())
	assert.Equal(t, "STATUS(7)", Status(7).String())
}

// streamOnly 隐藏 io.ByteReader，模拟多路复用流
type streamOnly struct{ io.Reader }

func TestReadStatus_LeavesUpgradeBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHop(&buf, &HopMessage{Type: HopStatus, Status: StatusOK}))
	require.NoError(t, WriteStop(&buf, &StopMessage{Type: StopStatus, Status: StatusOK}))
	buf.WriteString("/multistream/1.0.0\n")

	r := streamOnly{&buf}
	hop, err := ReadHop(r)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, hop.Status)
	stop, err := ReadStop(r)
	require.NoError(t, err)
	assert.Equal(t, StopStatus, stop.Type)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "/multistream/1.0.0\n", string(rest), "状态帧之后的握手字节不能被吞掉")
}
