package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

func newPeerID(t *testing.T) types.PeerID {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

// startServer 启动本地 DNS 服务器
func startServer(t *testing.T, txt map[string][]string, a map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 60, Rrtype: q.Qtype}
		switch q.Qtype {
		case dns.TypeTXT:
			records, ok := txt[q.Name]
			if !ok {
				resp.Rcode = dns.RcodeNameError
			}
			for _, r := range records {
				resp.Answer = append(resp.Answer, &dns.TXT{Hdr: hdr, Txt: []string{r}})
			}
		case dns.TypeA:
			if ip, ok := a[q.Name]; ok {
				resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.ParseIP(ip)})
			}
		}
		_ = w.WriteMsg(resp)
	})

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestParseDNSAddr(t *testing.T) {
	addr, err := ParseDNSAddr("dnsaddr=/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	assert.Equal(t, "/ip4/1.2.3.4/tcp/4001", addr.String())

	for _, bad := range []string{"", "dnsaddr=", "/ip4/1.2.3.4/tcp/4001", "dnsaddr=/nope/1"} {
		_, err := ParseDNSAddr(bad)
		assert.ErrorIs(t, err, ErrInvalidDNSAddr, bad)
	}
}

func TestIsResolvable(t *testing.T) {
	assert.True(t, IsResolvable(ma.StringCast("/dnsaddr/bootstrap.libp2p.io")))
	assert.True(t, IsResolvable(ma.StringCast("/dns4/example.com/tcp/1")))
	assert.False(t, IsResolvable(ma.StringCast("/ip4/1.2.3.4/tcp/1")))
	assert.False(t, IsResolvable(nil))
}

func TestResolve_NestedDNSAddr(t *testing.T) {
	want := newPeerID(t)
	other := newPeerID(t)

	server := startServer(t, map[string][]string{
		"_dnsaddr.boot.test.": {
			"dnsaddr=/dnsaddr/a.boot.test/p2p/" + want.String(),
			"dnsaddr=/ip4/1.2.3.4/tcp/4001/p2p/" + other.String(),
		},
		"_dnsaddr.a.boot.test.": {
			"dnsaddr=/ip4/5.6.7.8/tcp/4001/p2p/" + want.String(),
			"dnsaddr=/dns4/node.test/udp/4001/quic-v1/p2p/" + want.String(),
		},
	}, map[string]string{
		"node.test.": "9.9.9.9",
	})

	r, err := New(Config{Server: server, Timeout: 2 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := r.Resolve(ctx, ma.StringCast("/dnsaddr/boot.test/p2p/"+want.String()))
	require.NoError(t, err)

	var got []string
	for _, a := range addrs {
		got = append(got, a.String())
	}
	assert.ElementsMatch(t, []string{
		"/ip4/5.6.7.8/tcp/4001/p2p/" + want.String(),
		"/ip4/9.9.9.9/udp/4001/quic-v1/p2p/" + want.String(),
	}, got)
}

func TestResolve_NotFound(t *testing.T) {
	server := startServer(t, nil, nil)
	r, err := New(Config{Server: server, Timeout: 2 * time.Second})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), ma.StringCast("/dnsaddr/missing.test"))
	assert.ErrorIs(t, err, ErrNoRecordsFound)
}

func TestResolve_Passthrough(t *testing.T) {
	r, err := New(Config{Server: "127.0.0.1:1"})
	require.NoError(t, err)

	addr := ma.StringCast("/ip4/1.2.3.4/tcp/4001")
	out, err := r.Resolve(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, addr.Equal(out[0]))
}
