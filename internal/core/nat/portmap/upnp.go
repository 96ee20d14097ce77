package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient WANIPConnection 与 WANPPPConnection 共有的方法
type igdClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16,
		internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
}

// UPnP 通过 IGD 映射端口
type UPnP struct {
	mu      sync.Mutex
	client  igdClient
	localIP string
}

// NewUPnP 创建 UPnP 映射器；网关在首次使用时发现
func NewUPnP() *UPnP { return &UPnP{} }

// Name 映射器名称
func (u *UPnP) Name() string { return "upnp" }

// discover 按 IGDv2、IGDv1 的顺序查找 WAN 连接服务
func (u *UPnP) discover(ctx context.Context) (igdClient, string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.client != nil {
		return u.client, u.localIP, nil
	}

	var (
		client igdClient
		loc    *url.URL
	)
	if cs, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client, loc = cs[0], cs[0].Location
	} else if cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client, loc = cs[0], cs[0].Location
	} else if cs, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client, loc = cs[0], cs[0].Location
	} else if cs, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client, loc = cs[0], cs[0].Location
	}
	if client == nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", errors.New("upnp: no internet gateway device found")
	}

	local, err := localIPFor(loc)
	if err != nil {
		return nil, "", err
	}
	u.client, u.localIP = client, local
	return client, local, nil
}

// ExternalIP 网关的外部 IP
func (u *UPnP) ExternalIP(ctx context.Context) (net.IP, error) {
	c, _, err := u.discover(ctx)
	if err != nil {
		return nil, err
	}
	s, err := c.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("upnp: external address: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.IsUnspecified() {
		return nil, fmt.Errorf("upnp: invalid external address %q", s)
	}
	return ip, nil
}

// AddMapping 以相同的内外端口申请映射
func (u *UPnP) AddMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (int, error) {
	c, local, err := u.discover(ctx)
	if err != nil {
		return 0, err
	}
	port := uint16(internalPort)
	lease := uint32(lifetime / time.Second)
	if err := c.AddPortMapping("", port, strings.ToUpper(proto), port, local, true, description, lease); err != nil {
		return 0, fmt.Errorf("upnp: add mapping: %w", err)
	}
	return internalPort, nil
}

// DeleteMapping 删除映射
func (u *UPnP) DeleteMapping(ctx context.Context, proto string, _, externalPort int) error {
	c, _, err := u.discover(ctx)
	if err != nil {
		return err
	}
	return c.DeletePortMapping("", uint16(externalPort), strings.ToUpper(proto))
}

// localIPFor 通往网关的本地 IP
func localIPFor(loc *url.URL) (string, error) {
	if loc == nil {
		return "", errors.New("upnp: gateway location unknown")
	}
	port := loc.Port()
	if port == "" {
		port = "80"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(loc.Hostname(), port))
	if err != nil {
		return "", fmt.Errorf("upnp: route to gateway: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
