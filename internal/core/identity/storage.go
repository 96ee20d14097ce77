package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
)

var log = logger.Logger("identity")

// ErrKeyNotFound 密钥文件不存在
var ErrKeyNotFound = errors.New("key file not found")

// Save 将私钥以 protobuf 编码写入文件（0600）
func Save(id *Identity, path string) error {
	data, err := crypto.MarshalPrivateKey(id.priv)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("创建密钥目录失败: %w", err)
		}
	}
	return atomicWriteFile(path, data, 0o600)
}

// Load 从文件加载身份
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("解析密钥文件 %s 失败: %w", path, err)
	}
	return New(priv)
}

// LoadOrGenerate 加载身份；path 为空时生成临时身份，文件不存在时生成并保存
func LoadOrGenerate(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	id, err := Load(path)
	if err == nil {
		log.Info("已加载身份", "peer", id.ID().String(), "file", path)
		return id, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(id, path); err != nil {
		return nil, fmt.Errorf("保存身份失败: %w", err)
	}
	log.Info("已生成并保存身份", "peer", id.ID().String(), "file", path)
	return id, nil
}

// atomicWriteFile 临时文件 + rename，避免写入一半的密钥文件
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-key-")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("重命名失败: %w", err)
	}
	ok = true
	return nil
}
