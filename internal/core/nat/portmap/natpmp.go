package portmap

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATPMP 通过 NAT-PMP 映射端口
type NATPMP struct {
	timeout time.Duration

	mu     sync.Mutex
	client *natpmp.Client
}

// NewNATPMP 创建 NAT-PMP 映射器；默认网关在首次使用时发现
func NewNATPMP(timeout time.Duration) *NATPMP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATPMP{timeout: timeout}
}

// Name 映射器名称
func (n *NATPMP) Name() string { return "nat-pmp" }

func (n *NATPMP) getClient() (*natpmp.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil {
		return n.client, nil
	}
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, err
	}
	n.client = natpmp.NewClientWithTimeout(gw, n.timeout)
	return n.client, nil
}

// call 在后台执行阻塞的 NAT-PMP 请求，使其可被 ctx 取消
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ExternalIP 网关的外部 IP
func (n *NATPMP) ExternalIP(ctx context.Context) (net.IP, error) {
	return call(ctx, func() (net.IP, error) {
		c, err := n.getClient()
		if err != nil {
			return nil, err
		}
		res, err := c.GetExternalAddress()
		if err != nil {
			return nil, err
		}
		ip := res.ExternalIPAddress
		return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
	})
}

// AddMapping 申请映射，网关可能分配不同的外部端口
func (n *NATPMP) AddMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (int, error) {
	return call(ctx, func() (int, error) {
		c, err := n.getClient()
		if err != nil {
			return 0, err
		}
		res, err := c.AddPortMapping(proto, internalPort, internalPort, int(lifetime/time.Second))
		if err != nil {
			return 0, err
		}
		return int(res.MappedExternalPort), nil
	})
}

// DeleteMapping 以零租期撤销映射
func (n *NATPMP) DeleteMapping(ctx context.Context, proto string, internalPort, _ int) error {
	_, err := call(ctx, func() (struct{}, error) {
		c, err := n.getClient()
		if err != nil {
			return struct{}{}, err
		}
		_, err = c.AddPortMapping(proto, internalPort, 0, 0)
		return struct{}{}, err
	})
	return err
}
