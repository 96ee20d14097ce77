package config

import (
	"fmt"
	"time"
)

// MessagingConfig 消息协议配置
type MessagingConfig struct {
	Signaling SignalingConfig `json:"signaling"`

	// EnablePubSub gossip 路由（已配置，未接入命令）
	EnablePubSub bool         `json:"enable_pubsub"`
	PubSub       PubSubConfig `json:"pubsub"`

	Ping PingConfig `json:"ping"`

	// AgentVersion identify 中公告的代理版本
	AgentVersion string `json:"agent_version"`

	// ProtocolVersion identify 中公告的协议版本
	ProtocolVersion string `json:"protocol_version"`
}

// SignalingConfig 请求/响应信令配置
type SignalingConfig struct {
	// RequestTimeout 等待响应的超时
	RequestTimeout Duration `json:"request_timeout"`

	// MaxMessageSize 单条消息上限
	MaxMessageSize int `json:"max_message_size"`
}

// PubSubConfig gossipsub 配置
type PubSubConfig struct {
	D   int `json:"d"`
	Dlo int `json:"d_lo"`
	Dhi int `json:"d_hi"`

	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// HistoryLength 消息缓存保留的心跳数
	HistoryLength int `json:"history_length"`

	// HistoryGossip IHAVE 中通告的心跳数
	HistoryGossip int `json:"history_gossip"`

	// SeenTTL 去重缓存有效期
	SeenTTL Duration `json:"seen_ttl"`

	// StrictSigning 拒绝未签名或签名错误的消息
	StrictSigning bool `json:"strict_signing"`

	MaxMessageSize int `json:"max_message_size"`
}

// PingConfig 存活探测配置
type PingConfig struct {
	Interval Duration `json:"interval"`
	Timeout  Duration `json:"timeout"`
}

// DefaultMessagingConfig 默认消息配置
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		Signaling: SignalingConfig{
			RequestTimeout: Duration(10 * time.Second),
			MaxMessageSize: 1 << 20,
		},

		EnablePubSub: true,
		PubSub: PubSubConfig{
			D:                 6,
			Dlo:               4,
			Dhi:               12,
			HeartbeatInterval: Duration(time.Second),
			HistoryLength:     5,
			HistoryGossip:     3,
			SeenTTL:           Duration(2 * time.Minute),
			StrictSigning:     true,
			MaxMessageSize:    1 << 20,
		},

		Ping: PingConfig{
			Interval: Duration(15 * time.Second),
			Timeout:  Duration(20 * time.Second),
		},

		AgentVersion:    "void/1.0.1",
		ProtocolVersion: "/void/1.0.0",
	}
}

// Validate 校验消息配置
func (c MessagingConfig) Validate() error {
	if c.Signaling.RequestTimeout <= 0 {
		return fmt.Errorf("signaling.request_timeout: %w", ErrNonPositive)
	}
	if c.Signaling.MaxMessageSize <= 0 {
		return fmt.Errorf("signaling.max_message_size: %w", ErrNonPositive)
	}
	if c.EnablePubSub {
		p := c.PubSub
		if !(p.Dlo <= p.D && p.D <= p.Dhi) || p.Dlo <= 0 {
			return fmt.Errorf("pubsub mesh degree: require 0 < d_lo <= d <= d_hi, got %d/%d/%d", p.Dlo, p.D, p.Dhi)
		}
		if p.HistoryGossip > p.HistoryLength {
			return fmt.Errorf("pubsub: history_gossip %d > history_length %d", p.HistoryGossip, p.HistoryLength)
		}
		if p.HeartbeatInterval <= 0 {
			return fmt.Errorf("pubsub.heartbeat_interval: %w", ErrNonPositive)
		}
	}
	if c.Ping.Interval <= 0 || c.Ping.Timeout <= 0 {
		return fmt.Errorf("ping: %w", ErrNonPositive)
	}
	return nil
}
