package smb3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTF16LERoundTrip(t *testing.T) {
	tests := []string{"", "hello", "DOMAIN\\user", "éè中文"}
	for _, s := range tests {
		encoded := EncodeUTF16LE(s)
		assert.Equal(t, s, DecodeUTF16LE(encoded))
	}
}

func TestDecodeUTF16LEOddLength(t *testing.T) {
	// a trailing dangling byte is dropped rather than panicking.
	b := EncodeUTF16LE("ab")
	b = append(b, 0x41)
	assert.Equal(t, "ab", DecodeUTF16LE(b))
}

func TestPadTo8ByteBoundary(t *testing.T) {
	tests := []struct {
		offset int
		want   int
	}{
		{0, 0},
		{1, 7},
		{7, 1},
		{8, 0},
		{9, 7},
		{16, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, padTo8ByteBoundary(tt.offset))
	}
}

func TestAlignTo8(t *testing.T) {
	assert.Equal(t, 0, alignTo8(0))
	assert.Equal(t, 8, alignTo8(1))
	assert.Equal(t, 8, alignTo8(8))
	assert.Equal(t, 16, alignTo8(9))
}

func TestByteWriterBasics(t *testing.T) {
	w := newByteWriter(0)
	w.WriteByte8(0xAB)
	w.WriteUint16(0x1234)
	w.WriteUint32(0x89ABCDEF)
	w.WriteUint64(0x0102030405060708)
	guid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	w.WriteGUID(guid)
	w.WriteZeros(3)

	want := []byte{0xAB, 0x34, 0x12, 0xEF, 0xCD, 0xAB, 0x89,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	want = append(want, guid[:]...)
	want = append(want, 0, 0, 0)
	assert.Equal(t, want, w.Bytes())
	assert.Equal(t, len(want), w.Len())
}

func TestByteWriterPadTo8(t *testing.T) {
	w := newByteWriter(0)
	w.WriteBytes([]byte{1, 2, 3})
	w.PadTo8()
	assert.Equal(t, 8, w.Len())
}

func TestByteWriterSetUint32At(t *testing.T) {
	w := newByteWriter(0)
	w.WriteZeros(8)
	w.SetUint32At(2, 0xDEADBEEF)
	assert.Equal(t, byte(0xEF), w.Bytes()[2])
	assert.Equal(t, byte(0xBE), w.Bytes()[3])
	assert.Equal(t, byte(0xAD), w.Bytes()[4])
	assert.Equal(t, byte(0xDE), w.Bytes()[5])

	// out of range writes are silently ignored, never panic.
	w.SetUint32At(100, 1)
}

func TestByteReaderSilentZeroOnShortRead(t *testing.T) {
	r := newByteReader([]byte{0x01, 0x02})
	assert.Equal(t, uint32(0), r.ReadUint32())
	assert.Nil(t, r.ReadBytes(10))
}

func TestByteReaderRoundTrip(t *testing.T) {
	w := newByteWriter(0)
	w.WriteUint16(0xABCD)
	w.WriteUint32(0x12345678)
	w.WriteUint64(0x1122334455667788)
	guid := NewGUID()
	w.WriteGUID(guid)

	r := newByteReader(w.Bytes())
	assert.Equal(t, uint16(0xABCD), r.ReadUint16())
	assert.Equal(t, uint32(0x12345678), r.ReadUint32())
	assert.Equal(t, uint64(0x1122334455667788), r.ReadUint64())
	assert.Equal(t, guid, r.ReadGUID())
	assert.Equal(t, 0, r.Remaining())
}

func TestByteReaderSkipAndPosition(t *testing.T) {
	r := newByteReader([]byte{1, 2, 3, 4, 5})
	r.Skip(2)
	assert.Equal(t, 2, r.Position())
	assert.Equal(t, []byte{3, 4, 5}, r.ReadBytes(3))
}

func TestErrReaderFailsOnShortRead(t *testing.T) {
	r := newErrReader([]byte{0x01, 0x02})
	r.ReadUint32()
	require.Error(t, r.Err())
	assert.ErrorIs(t, r.Err(), ErrInvalidFrame)
}

func TestErrReaderRoundTrip(t *testing.T) {
	w := newByteWriter(0)
	w.WriteUint16(0xBEEF)
	w.WriteUint32(0xCAFEBABE)
	w.WriteUint64(0x0011223344556677)
	guid := NewGUID()
	w.WriteGUID(guid)

	r := newErrReader(w.Bytes())
	assert.Equal(t, uint16(0xBEEF), r.ReadUint16())
	assert.Equal(t, uint32(0xCAFEBABE), r.ReadUint32())
	assert.Equal(t, uint64(0x0011223344556677), r.ReadUint64())
	assert.Equal(t, guid, r.ReadGUID())
	require.NoError(t, r.Err())
}

func TestErrReaderStickyError(t *testing.T) {
	r := newErrReader([]byte{1, 2})
	r.ReadBytes(10) // fails, sets err
	r.ReadUint16()  // must not clear the error
	require.Error(t, r.Err())
}

func TestErrReaderAlignTo8(t *testing.T) {
	r := newErrReader(make([]byte, 16))
	r.ReadBytes(3)
	r.AlignTo8()
	assert.Equal(t, 8, r.Pos())
	require.NoError(t, r.Err())
}

func TestNewGUIDIsRandomAndNonZero(t *testing.T) {
	g1 := NewGUID()
	g2 := NewGUID()
	assert.NotEqual(t, g1, g2)
	assert.NotEqual(t, [16]byte{}, g1)
}

func TestGUIDToString(t *testing.T) {
	guid := [16]byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06,
		0x07, 0x08,
		0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
	assert.Equal(t, "04030201-0605-0807-090a-0b0c0d0e0f10", GUIDToString(guid))
}
