// Package void 是 VOID 点对点通信引擎的入口
//
// 一个进程内最多运行一个引擎会话。宿主通过有界命令通道驱动引擎，
// 引擎通过 Notifier 推送事件：
//
//	宿主 ──Command──▶ Bridge ──▶ Host / Signaling / DHT / Relay ...
//	宿主 ◀──Emit──── Bridge ◀── host.Events()
//
// 快速开始：
//
//	h, err := void.StartNode(ctx,
//	    void.WithListenPort(4001),
//	    void.WithNotifier(void.NotifierFunc(func(name string, payload any) {
//	        fmt.Println(name, payload)
//	    })),
//	)
//	if err != nil {
//	    return err
//	}
//	defer void.StopNode(ctx)
//
//	code, _ := void.GetMyVoidCode(ctx)
//	_ = void.ConnectViaCode(ctx, "void://L2lwNC8x...")
//	_ = void.SendSignal(ctx, "12D3KooW...", "hello")
//
// 命令只返回本地校验结果；拨号是否成功、信令是否送达只能通过事件观察。
//
// 事件名：
//
//	network-event  NetworkEvent：监听地址、连接、NAT、中继、打洞、发现、信令送达
//	signal-event   SignalEvent：收到的信令文本（已自动回复 "ACK"）
//
// 直接使用 Node 可以在同一进程中运行多个引擎（测试场景）：
//
//	n, err := void.New(void.WithPreset("minimal"))
//	err = n.Start(ctx)
//	err = n.Handle().SendSignal(ctx, peer, "hi")
//	err = n.Stop(ctx)
package void
