package config

// IdentityConfig 身份配置
type IdentityConfig struct {
	// KeyFile 私钥文件路径
	// 为空时每次启动生成新身份；文件不存在时生成并写入
	KeyFile string `json:"key_file,omitempty"`
}

// DefaultIdentityConfig 默认身份配置：临时身份
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{}
}

// Validate 校验身份配置
func (c IdentityConfig) Validate() error {
	return nil
}

// WithKeyFile 设置密钥文件路径
func (c IdentityConfig) WithKeyFile(path string) IdentityConfig {
	c.KeyFile = path
	return c
}
