package void

import "errors"

var (
	// ErrNodeNotRunning 引擎未启动或已停止
	ErrNodeNotRunning = errors.New("Node not running")

	// ErrAlreadyRunning 进程内已有运行中的引擎会话
	ErrAlreadyRunning = errors.New("node already running")

	// ErrAlreadyStarted Node 已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed Node 已停止，不能再次启动
	ErrNodeClosed = errors.New("node closed")

	// ErrEmptySignal 信令文本为空
	ErrEmptySignal = errors.New("signal text is empty")

	// ErrInvalidPeerID 节点 ID 无法解析
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrMissingPeerID 地址缺少 /p2p/<id> 组件
	ErrMissingPeerID = errors.New("address has no /p2p/ component")
)
