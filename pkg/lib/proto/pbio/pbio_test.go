package pbio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteMsg([]byte("hello")))
	require.NoError(t, w.WriteMsg(nil))
	require.NoError(t, w.WriteMsg(bytes.Repeat([]byte{0xab}, 300)))

	r := NewReader(&buf, 0)
	msg, err := r.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	msg, err = r.ReadMsg()
	require.NoError(t, err)
	assert.Empty(t, msg)

	msg, err = r.ReadMsg()
	require.NoError(t, err)
	assert.Len(t, msg, 300)

	_, err = r.ReadMsg()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_NoReadAhead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteMsg([]byte("status")))
	buf.WriteString("trailing")

	// 隐藏 io.ByteReader，走逐字节读取长度前缀的路径
	r := struct{ io.Reader }{&buf}
	msg, err := NewReader(r, 0).ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, "status", string(msg))
	assert.Equal(t, "trailing", buf.String())
}

func TestReader_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteMsg(make([]byte, 64)))

	_, err := NewReader(&buf, 16).ReadMsg()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestForEachField(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 7)
	b = AppendString(b, 2, "topic")
	b = AppendBytes(b, 3, nil) // 空值不写
	b = AppendBool(b, 4, true)
	// 未知的 fixed32 字段应被跳过
	b = protowire.AppendTag(b, 9, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 42)

	var got []Field
	err := ForEachField(b, func(f Field) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(7), got[0].Varint)
	assert.Equal(t, "topic", string(got[1].Bytes))
	assert.Equal(t, uint64(1), got[2].Varint)
	assert.Equal(t, protowire.Number(9), got[3].Num)
}

func TestForEachField_Malformed(t *testing.T) {
	// bytes 字段声明长度 10 但只有 2 字节
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = append(b, 10, 1, 2)
	err := ForEachField(b, func(Field) error { return nil })
	assert.ErrorIs(t, err, ErrMalformed)
}
