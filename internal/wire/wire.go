package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

const (
	version    byte = 1
	kindVector byte = 1

	hdrLen = 4 + 1 + 1 + 1 + 4
)

var (
	ErrCorrupt = errors.New("featcache: corrupt vector frame")
	magic4     = [...]byte{'F', 'V', 'E', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Vector: magic(4) | ver(1) | kind(1=vector) | dtype(1) | n(u32 be) | float64 bits(u64 be) * n
//
// dtype is an opaque tag owned by the caller; it is carried but not interpreted.
func EncodeVector(dtype byte, values []float64) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + 8*len(values))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindVector)
	buf.WriteByte(dtype)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint32(u4[:], uint32(len(values)))
	buf.Write(u4[:])

	for _, v := range values {
		binary.BigEndian.PutUint64(u8[:], math.Float64bits(v))
		buf.Write(u8[:])
	}
	return buf.Bytes()
}

// DecodeVector returns a freshly allocated slice; it never aliases b.
// Trailing bytes are rejected.
func DecodeVector(b []byte) (dtype byte, values []float64, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindVector {
		return 0, nil, ErrCorrupt
	}
	dtype = b[6]

	off := 7
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	// overflow-safe: compare element count against remaining bytes
	if n < 0 || n > (len(b)-off)/8 || off+8*n != len(b) {
		return 0, nil, ErrCorrupt
	}

	values = make([]float64, n)
	for i := 0; i < n; i++ {
		values[i] = math.Float64frombits(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
	}
	return dtype, values, nil
}
