package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	w := NewWriter(0)
	w.WriteU8(0xAB)
	w.WriteI32(-12345)
	w.WriteI64(-9223372036854775000)
	w.WriteU64(18446744073709551615)
	w.WriteFixed([]byte{1, 2, 3})
	w.WriteBytes([]byte("hello world"))

	r := NewReader(w.Bytes())

	u8, err := r.ReadU8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), u8)

	i32, err := r.ReadI32()
	require.NoError(t, err)
	require.Equal(t, int32(-12345), i32)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	require.Equal(t, int64(-9223372036854775000), i64)

	u64, err := r.ReadU64()
	require.NoError(t, err)
	require.Equal(t, uint64(18446744073709551615), u64)

	fixed, err := r.ReadFixed(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, fixed)

	bs, err := r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, "hello world", string(bs))

	require.True(t, r.Done())
}

func TestReadTruncated(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.ReadI64()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadBytesOverlong(t *testing.T) {
	w := NewWriter(0)
	w.WriteU32(1000)
	w.WriteFixed([]byte{1, 2, 3})
	r := NewReader(w.Bytes())
	_, err := r.ReadBytes()
	require.ErrorIs(t, err, ErrOverlong)
}

func TestReadSeqLenOverlong(t *testing.T) {
	w := NewWriter(0)
	w.WriteU32(5_000_000)
	r := NewReader(w.Bytes())
	_, err := r.ReadSeqLen()
	require.ErrorIs(t, err, ErrOverlong)
}

func TestDoneRejectsTrailingGarbage(t *testing.T) {
	w := NewWriter(0)
	w.WriteU8(1)
	w.WriteU8(2)
	r := NewReader(w.Bytes())
	_, err := r.ReadU8()
	require.NoError(t, err)
	require.False(t, r.Done())
}

func TestSequenceRoundTrip(t *testing.T) {
	values := []int64{1, -2, 3, -4, 5}
	w := NewWriter(0)
	w.WriteSeqLen(len(values))
	for _, v := range values {
		w.WriteI64(v)
	}

	r := NewReader(w.Bytes())
	n, err := r.ReadSeqLen()
	require.NoError(t, err)
	require.Equal(t, len(values), n)
	got := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.ReadI64()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, values, got)
	require.True(t, r.Done())
}
