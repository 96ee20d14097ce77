// Package muxer 基于 hashicorp/yamux 提供流多路复用
//
// yamux 帧格式与 libp2p 的 /yamux/1.0.0 一致。
package muxer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/protocolids"
)

// DefaultConfig 默认 yamux 配置
func DefaultConfig() *yamux.Config {
	return &yamux.Config{
		AcceptBacklog:          256,
		EnableKeepAlive:        true,
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    256 * 1024,
		StreamOpenTimeout:      75 * time.Second,
		StreamCloseTimeout:     5 * time.Minute,
		LogOutput:              io.Discard,
	}
}

// Transport yamux 多路复用器工厂
type Transport struct {
	cfg *yamux.Config
}

var _ interfaces.StreamMuxer = (*Transport)(nil)

// New 创建 yamux 工厂；cfg 为空使用默认配置
func New(cfg *yamux.Config) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Transport{cfg: cfg}
}

// ID 协商标识
func (t *Transport) ID() string {
	return protocolids.Yamux
}

// NewConn 在安全连接上建立会话
func (t *Transport) NewConn(c net.Conn, isServer bool) (interfaces.MuxedConn, error) {
	var (
		s   *yamux.Session
		err error
	)
	if isServer {
		s, err = yamux.Server(c, t.cfg)
	} else {
		s, err = yamux.Client(c, t.cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("yamux session: %w", err)
	}
	return &conn{session: s}, nil
}

// ============================================================================
//                              会话
// ============================================================================

type conn struct {
	session *yamux.Session
}

// OpenStream 打开新流；yamux 不接受 context，在 goroutine 中等待
func (c *conn) OpenStream(ctx context.Context) (interfaces.MuxedStream, error) {
	type result struct {
		s   *yamux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.session.OpenStream()
		ch <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		// 晚到的流直接关闭
		go func() {
			if r := <-ch; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open stream: %w", r.err)
		}
		return &stream{Stream: r.s}, nil
	}
}

func (c *conn) AcceptStream() (interfaces.MuxedStream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, err
	}
	return &stream{Stream: s}, nil
}

func (c *conn) IsClosed() bool {
	return c.session.IsClosed()
}

func (c *conn) Close() error {
	return c.session.Close()
}

// NumStreams 当前流数量（用于空闲检测）
func (c *conn) NumStreams() int {
	return c.session.NumStreams()
}

// ============================================================================
//                              流
// ============================================================================

// stream hashicorp yamux 的 Close 即发送 FIN（半关闭）
type stream struct {
	*yamux.Stream
}

func (s *stream) CloseWrite() error {
	return s.Stream.Close()
}

func (s *stream) Reset() error {
	// 没有 RST 原语，关闭后等待 StreamCloseTimeout 回收
	_ = s.Stream.SetDeadline(time.Now())
	return s.Stream.Close()
}
