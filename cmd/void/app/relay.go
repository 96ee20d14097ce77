package app

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	void "github.com/void-p2p/go-void"
	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/pkg/types"
)

// relayCmd 公网中继 / 引导节点
func relayCmd(f *flags) *cli.Command {
	var maxReservations, maxCircuits int
	return &cli.Command{
		Name:  "relay",
		Usage: "运行中继与引导节点（默认端口 4001）",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "max-reservations",
				Usage:       "最大预约数",
				Value:       128,
				Destination: &maxReservations,
			},
			&cli.IntFlag{
				Name:        "max-circuits",
				Usage:       "最大活跃电路数",
				Value:       16,
				Destination: &maxCircuits,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := f.baseConfig()
			if err != nil {
				return err
			}
			if err := config.ApplyPreset(cfg, "relay"); err != nil {
				return err
			}
			cfg.Relay.Server.MaxReservations = maxReservations
			cfg.Relay.Server.MaxCircuits = maxCircuits
			return runRelay(c.Context, c.App.Writer, f.options(cfg))
		},
	}
}

func runRelay(ctx context.Context, out io.Writer, opts []void.Option) error {
	node, err := void.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                 VOID Relay Server                    ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "PeerId: %s\n", node.ID())
	fmt.Fprintln(out, "Bootstrap addresses:")
	for _, a := range node.Host().ListenAddrs() {
		if types.IsRelayAddr(a) {
			continue
		}
		full, err := types.P2PAddr(a, node.ID())
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "  %s\n", full)
	}
	log.Info("中继节点已启动", "peer", node.ID().ShortString(), "session", node.SessionID())

	select {
	case <-ctx.Done():
	case <-node.Done():
	}

	fmt.Fprintln(out, "正在关闭...")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return node.Stop(stopCtx)
}
