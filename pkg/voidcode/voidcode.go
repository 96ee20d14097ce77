// Package voidcode 实现 VOID 会合码（void code）的编解码
//
// 会合码是一段可复制粘贴的 ASCII 字符串，供两个节点在没有目录服务的情况下
// 通过带外渠道交换地址：
//
//	void://<标准 base64>
//
// 存在两种负载格式：
//
//	规范格式：multiaddr 的文本形式，例如 /ip4/1.2.3.4/tcp/4001/p2p/12D3KooW...
//	旧格式：  "<节点ID>:<IPv4>:<端口>"，解码为 /ip4/<IP>/udp/<端口>/quic-v1/p2p/<节点ID>
//
// Decode 总是先尝试规范格式，失败后才按旧格式解析字段。
package voidcode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/pkg/types"
)

// Scheme 会合码前缀
const Scheme = "void://"

// legacySep 旧格式字段分隔符
const legacySep = ":"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrInvalidPrefix 缺少 void:// 前缀
	ErrInvalidPrefix = errors.New("Invalid protocol prefix")

	// ErrBase64 base64 解码失败
	ErrBase64 = errors.New("Base64 decode error")

	// ErrUTF8 负载不是合法 UTF-8
	ErrUTF8 = errors.New("UTF-8 decode error")

	// ErrInvalidAddress 负载既不是合法地址，也不是合法的旧格式字段
	ErrInvalidAddress = errors.New("Invalid Multiaddr")

	// ErrLegacyFields 旧格式字段缺失或非法
	ErrLegacyFields = errors.New("invalid legacy void code fields")

	// ErrNoAddress 本地节点暂无可用地址
	ErrNoAddress = errors.New("no address available yet")
)

// DecodeError 携带底层原因的解码错误
type DecodeError struct {
	// Kind 错误类别，为上面的哨兵错误之一
	Kind  error
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return e.Kind.Error() + ": " + e.Cause.Error()
	}
	return e.Kind.Error()
}

// Is 支持 errors.Is(err, ErrXxx)
func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// ============================================================================
//                              编码
// ============================================================================

// Encode 将地址编码为规范格式的会合码
func Encode(addr ma.Multiaddr) string {
	return Scheme + base64.StdEncoding.EncodeToString([]byte(addr.String()))
}

// EncodeLegacy 将 (节点ID, IPv4, 端口) 编码为旧格式会合码
func EncodeLegacy(id types.PeerID, ip net.IP, port int) (string, error) {
	if err := id.Validate(); err != nil {
		return "", &DecodeError{Kind: ErrLegacyFields, Cause: err}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", &DecodeError{Kind: ErrLegacyFields, Cause: fmt.Errorf("not an IPv4 address: %v", ip)}
	}
	if port <= 0 || port > 65535 {
		return "", &DecodeError{Kind: ErrLegacyFields, Cause: fmt.Errorf("port out of range: %d", port)}
	}
	payload := strings.Join([]string{id.String(), ip4.String(), strconv.Itoa(port)}, legacySep)
	return Scheme + base64.StdEncoding.EncodeToString([]byte(payload)), nil
}

// ============================================================================
//                              解码
// ============================================================================

// Decode 解析会合码
//
// 首尾空白会被忽略。先按规范格式解析 multiaddr，失败后再按旧格式解析字段。
func Decode(code string) (ma.Multiaddr, error) {
	payload, err := decodePayload(code)
	if err != nil {
		return nil, err
	}

	addr, canonicalErr := ma.NewMultiaddr(payload)
	if canonicalErr == nil {
		return addr, nil
	}

	addr, legacyErr := parseLegacy(payload)
	if legacyErr == nil {
		return addr, nil
	}

	// 看起来像旧格式（含分隔符、不以 / 开头）时报告旧格式错误
	if !strings.HasPrefix(payload, "/") && strings.Contains(payload, legacySep) {
		return nil, legacyErr
	}
	return nil, &DecodeError{Kind: ErrInvalidAddress, Cause: canonicalErr}
}

// decodePayload 去掉前缀并 base64 解码
func decodePayload(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, Scheme) {
		return "", &DecodeError{Kind: ErrInvalidPrefix}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(code, Scheme))
	if err != nil {
		return "", &DecodeError{Kind: ErrBase64, Cause: err}
	}
	if !utf8.Valid(raw) {
		return "", &DecodeError{Kind: ErrUTF8}
	}
	return string(raw), nil
}

// parseLegacy 解析 "<id>:<ip>:<port>" 并重建 QUIC 地址
func parseLegacy(payload string) (ma.Multiaddr, error) {
	fields := strings.Split(payload, legacySep)
	if len(fields) != 3 {
		return nil, &DecodeError{Kind: ErrLegacyFields, Cause: fmt.Errorf("expected 3 fields, got %d", len(fields))}
	}

	id, err := types.ParsePeerID(fields[0])
	if err != nil {
		return nil, &DecodeError{Kind: ErrLegacyFields, Cause: err}
	}
	ip := net.ParseIP(fields[1]).To4()
	if ip == nil {
		return nil, &DecodeError{Kind: ErrLegacyFields, Cause: fmt.Errorf("invalid IPv4 %q", fields[1])}
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil || port <= 0 || port > 65535 {
		return nil, &DecodeError{Kind: ErrLegacyFields, Cause: fmt.Errorf("invalid port %q", fields[2])}
	}

	return ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/udp/%d/quic-v1/p2p/%s", ip, port, id))
}

// ============================================================================
//                              本地节点
// ============================================================================

// ForLocalNode 为本地节点生成会合码
//
// 优先使用中继电路地址（对 NAT 后的节点唯一可达），否则使用第一个直连地址。
// 地址末尾追加 /p2p/<self>；已带 /p2p 后缀的地址保持不变。
func ForLocalNode(self types.PeerID, addrs []ma.Multiaddr) (string, error) {
	addr := pickAddr(addrs)
	if addr == nil {
		return "", ErrNoAddress
	}
	if _, id := types.SplitP2PAddr(addr); id != self {
		full, err := types.P2PAddr(addr, self)
		if err != nil {
			return "", err
		}
		addr = full
	}
	return Encode(addr), nil
}

func pickAddr(addrs []ma.Multiaddr) ma.Multiaddr {
	for _, a := range addrs {
		if types.IsRelayAddr(a) {
			return a
		}
	}
	for _, a := range addrs {
		if a != nil {
			return a
		}
	}
	return nil
}

// LegacyForLocalNode 生成旧格式会合码
//
// 选择第一个非回环、非通配的 IPv4 地址及其 UDP/TCP 端口，找不到时返回 ErrNoAddress。
func LegacyForLocalNode(self types.PeerID, addrs []ma.Multiaddr) (string, error) {
	for _, a := range addrs {
		if types.IsRelayAddr(a) {
			continue
		}
		ipStr, err := a.ValueForProtocol(ma.P_IP4)
		if err != nil {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		portStr, err := a.ValueForProtocol(ma.P_UDP)
		if err != nil {
			portStr, err = a.ValueForProtocol(ma.P_TCP)
		}
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port == 0 {
			continue
		}
		return EncodeLegacy(self, ip, port)
	}
	return "", ErrNoAddress
}
