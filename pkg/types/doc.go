// Package types 定义 VOID 的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他 void 内部包。
//
// # 文件组织
//
//   - peerid.go    - PeerID（自认证节点标识）
//   - addrinfo.go  - AddrInfo（节点 + 地址列表）
//   - enums.go     - Direction, Reachability
//   - events.go    - 引擎事件（封闭和类型，每个协议行为一个变体）
//   - errors.go    - 公共错误定义
package types
