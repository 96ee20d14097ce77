package dns

import "errors"

var (
	// ErrMaxDepthExceeded 超过最大递归深度
	ErrMaxDepthExceeded = errors.New("dns: max recursion depth exceeded")

	// ErrNoRecordsFound 未找到 DNS 记录
	ErrNoRecordsFound = errors.New("dns: no DNS records found")

	// ErrInvalidDNSAddr 无效的 dnsaddr 记录
	ErrInvalidDNSAddr = errors.New("dns: invalid dnsaddr record")

	// ErrNoServer 没有可用的 DNS 服务器
	ErrNoServer = errors.New("dns: no nameserver configured")
)
