package crypto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ============================================================================
//                              序列化格式
// ============================================================================

// 字段编号：
//
//	1: Type (varint)
//	2: Data (bytes)
const (
	keyFieldType protowire.Number = 1
	keyFieldData protowire.Number = 2
)

// MarshalPublicKey 序列化公钥为 protobuf 格式
func MarshalPublicKey(key PublicKey) ([]byte, error) {
	if key == nil {
		return nil, ErrNilPublicKey
	}
	raw, err := key.Raw()
	if err != nil {
		return nil, err
	}
	return marshalKey(key.Type(), raw), nil
}

// UnmarshalPublicKey 从 protobuf 格式反序列化公钥
func UnmarshalPublicKey(data []byte) (PublicKey, error) {
	kt, raw, err := unmarshalKey(data)
	if err != nil {
		return nil, err
	}
	if kt != KeyTypeEd25519 {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyType, kt)
	}
	return UnmarshalEd25519PublicKey(raw)
}

// MarshalPrivateKey 序列化私钥为 protobuf 格式
func MarshalPrivateKey(key PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrNilPrivateKey
	}
	raw, err := key.Raw()
	if err != nil {
		return nil, err
	}
	return marshalKey(key.Type(), raw), nil
}

// UnmarshalPrivateKey 从 protobuf 格式反序列化私钥
func UnmarshalPrivateKey(data []byte) (PrivateKey, error) {
	kt, raw, err := unmarshalKey(data)
	if err != nil {
		return nil, err
	}
	if kt != KeyTypeEd25519 {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyType, kt)
	}
	return UnmarshalEd25519PrivateKey(raw)
}

func marshalKey(kt KeyType, raw []byte) []byte {
	b := make([]byte, 0, len(raw)+4)
	b = protowire.AppendTag(b, keyFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kt))
	b = protowire.AppendTag(b, keyFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

func unmarshalKey(b []byte) (KeyType, []byte, error) {
	var (
		kt      KeyType
		raw     []byte
		hasType bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == keyFieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, protowire.ParseError(m))
			}
			kt, hasType = KeyType(v), true
			b = b[m:]
		case num == keyFieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, protowire.ParseError(m))
			}
			raw = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrUnmarshalFailed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if !hasType || raw == nil {
		return 0, nil, fmt.Errorf("%w: missing fields", ErrUnmarshalFailed)
	}
	return kt, raw, nil
}
