// Package pbio 提供长度前缀的 protobuf 帧读写
//
// 所有系统协议（identify、kad、autonat、relay、dcutr、gossipsub、signaling）
// 在流上传输的都是 uvarint 长度前缀 + protobuf 消息体：
//
//	┌───────────────┬─────────────────────┐
//	│ uvarint(len)  │ protobuf message    │
//	└───────────────┴─────────────────────┘
//
// 消息体使用 protowire 手工编解码，见 fields.go。
package pbio

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxMessageSize 默认最大消息大小（4 MiB）
const DefaultMaxMessageSize = 4 << 20

// ErrMessageTooLarge 消息超过上限
var ErrMessageTooLarge = errors.New("pbio: message too large")

// ============================================================================
//                              Writer
// ============================================================================

// Writer 帧写入器
type Writer struct {
	w io.Writer
}

// NewWriter 创建帧写入器
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMsg 写入一帧
//
// 长度前缀与消息体合并为一次 Write，避免在多路复用流上产生两个小包。
func (w *Writer) WriteMsg(msg []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(msg)))+len(msg))
	buf = append(buf, varint.ToUvarint(uint64(len(msg)))...)
	buf = append(buf, msg...)
	_, err := w.w.Write(buf)
	return err
}

// ============================================================================
//                              Reader
// ============================================================================

// Reader 帧读取器
//
// 不做预读：一帧之后流上的字节（例如中继电路上随后的安全握手）原样留给下一个读取方。
// 传入的 r 实现 io.ByteReader 时（如 *bufio.Reader）直接使用其缓冲。
type Reader struct {
	r   io.Reader
	br  io.ByteReader
	max int
}

// NewReader 创建帧读取器；maxSize <= 0 使用 DefaultMaxMessageSize
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	return &Reader{r: r, br: br, max: maxSize}
}

// ReadMsg 读取一帧
func (r *Reader) ReadMsg() ([]byte, error) {
	length, err := varint.ReadUvarint(r.br)
	if err != nil {
		return nil, err
	}
	if length > uint64(r.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, r.max)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteReader 逐字节读取长度前缀
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
