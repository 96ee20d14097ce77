package websocket

import (
	"io"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// closeGrace 发送关闭帧的等待时间
const closeGrace = time.Second

// conn 将 WebSocket 二进制消息流适配为 net.Conn
type conn struct {
	*ws.Conn

	laddr ma.Multiaddr
	raddr ma.Multiaddr

	rmu    sync.Mutex
	reader io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ manet.Conn = (*conn)(nil)

func newConn(c *ws.Conn, laddr, raddr ma.Multiaddr) *conn {
	return &conn{Conn: c, laddr: laddr, raddr: raddr}
}

func (c *conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != ws.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.WriteMessage(ws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 尽力发送关闭帧后关闭底层连接
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "")
		_ = c.WriteControl(ws.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.Conn.Close()
	})
	return err
}

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *conn) LocalMultiaddr() ma.Multiaddr  { return c.laddr }
func (c *conn) RemoteMultiaddr() ma.Multiaddr { return c.raddr }
