package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	void "github.com/void-p2p/go-void"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
	"github.com/void-p2p/go-void/pkg/voidcode"
)

var log = logger.Logger("cmd/void")

// stopTimeout 退出时等待节点关闭的上限
const stopTimeout = 10 * time.Second

// errExit exit 命令
var errExit = errors.New("exit")

// ============================================================================
//                              控制台
// ============================================================================

// console 交互式控制台，同时作为节点的事件接收方
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Emit 实现 void.Notifier
func (c *console) Emit(_ string, payload any) {
	switch e := payload.(type) {
	case void.SignalEvent:
		c.printf("[Message from %s]: %s\n", e.PeerID, e.Payload)
	case void.NetworkEvent:
		c.network(e)
	}
}

func (c *console) network(e void.NetworkEvent) {
	switch e.Kind {
	case void.NetListening:
		if e.VoidCode != "" {
			c.printf("\n*** READY ***\nVOID CODE: %s\n*************\n", e.VoidCode)
			return
		}
		c.printf("Listening on %s\n", e.Address)
	case void.NetConnected:
		c.printf("Connected to %s\n", e.PeerID)
	case void.NetDisconnected:
		c.printf("Disconnected from %s\n", e.PeerID)
	case void.NetDialFailed:
		c.printf("Dial failed: %s\n", e.Error)
	case void.NetReservation:
		c.printf("Relay reservation accepted by %s\n", e.PeerID)
	case void.NetNATStatus:
		c.printf("NAT status: %s\n", e.Status)
	case void.NetHolePunch:
		c.printf("Hole punch with %s: %s\n", e.PeerID, e.Status)
	case void.NetSignalDelivered:
		c.printf("Message delivered to %s\n", e.PeerID)
	case void.NetSignalFailed:
		c.printf("Failed to send to %s: %s\n", e.PeerID, e.Error)
	default:
		log.Debug("网络事件", "kind", e.Kind, "peer", e.PeerID)
	}
}

func (c *console) help() {
	c.printf("Commands:\n")
	c.printf("  dial <void_code>       连接会合码\n")
	c.printf("  send <peer_id> <msg>   发送信令\n")
	c.printf("  info                   显示本地身份与会合码\n")
	c.printf("  exit                   退出\n")
}

// exec 执行一行输入，返回 errExit 表示退出
func (c *console) exec(ctx context.Context, h *void.Handle, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "dial":
		if len(fields) != 2 {
			c.printf("Usage: dial <void_code>\n")
			return nil
		}
		addr, err := voidcode.Decode(fields[1])
		if err != nil {
			c.printf("Invalid VOID code: %v\n", err)
			return nil
		}
		if err := h.DialAddress(ctx, addr); err != nil {
			c.printf("Dial error: %v\n", err)
			return nil
		}
		c.printf("Dialing %s\n", addr)
	case "send":
		if len(fields) < 3 {
			c.printf("Usage: send <peer_id> <msg>\n")
			return nil
		}
		p, err := types.ParsePeerID(fields[1])
		if err != nil {
			c.printf("Invalid peer id: %v\n", err)
			return nil
		}
		text := strings.Join(fields[2:], " ")
		if err := h.SendSignal(ctx, p, text); err != nil {
			c.printf("Send error: %v\n", err)
		}
	case "info":
		info, err := h.GetIdentity(ctx)
		if err != nil {
			c.printf("Error: %v\n", err)
			return nil
		}
		c.info(info)
	case "exit", "quit":
		return errExit
	case "help":
		c.help()
	default:
		c.printf("Unknown command\n")
	}
	return nil
}

func (c *console) info(info void.IdentityInfo) {
	c.printf("My PeerId: %s\n", info.PeerID)
	c.printf("Listeners:\n")
	var circuit bool
	for _, a := range info.ListenAddrs {
		c.printf("  %s\n", a)
		circuit = circuit || types.IsRelayAddr(a)
	}
	if !circuit {
		c.printf("(Not listening on Relay yet. Wait for connection...)\n")
		return
	}
	code, err := info.VoidCode()
	if err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	c.printf("VOID CODE (Relay): %s\n", code)
}

// ============================================================================
//                              主循环
// ============================================================================

// runConsole 启动节点并读取命令，直到 exit、输入结束、ctx 取消或节点退出
func runConsole(ctx context.Context, in io.Reader, out io.Writer, opts []void.Option) error {
	c := &console{out: out}
	node, err := void.New(append(opts, void.WithNotifier(c))...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := node.Stop(stopCtx); err != nil {
			log.Warn("关闭节点失败", "err", err)
		}
	}()

	log.Info("节点已启动", "peer", node.ID().ShortString(), "session", node.SessionID())
	c.printf("Local peer id: %s\n", node.ID())
	c.help()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	h := node.Handle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-node.Done():
			return void.ErrNodeNotRunning
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(ctx, h, line); errors.Is(err, errExit) {
				return nil
			}
		}
	}
}
