package engine

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PointWKBSize is the length of a little-endian WKB point.
const PointWKBSize = 21

const (
	wkbLittleEndian = 1
	wkbTypePoint    = 1
)

// EncodePointWKB encodes x and y as a little-endian WKB point.
func EncodePointWKB(x, y float64) []byte {
	b := make([]byte, PointWKBSize)
	b[0] = wkbLittleEndian
	binary.LittleEndian.PutUint32(b[1:5], wkbTypePoint)
	binary.LittleEndian.PutUint64(b[5:13], math.Float64bits(x))
	binary.LittleEndian.PutUint64(b[13:21], math.Float64bits(y))
	return b
}

// DecodePointWKB decodes a blob produced by EncodePointWKB. ok is false for
// an empty blob.
func DecodePointWKB(b []byte) (x, y float64, ok bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, nil
	}
	if len(b) != PointWKBSize {
		return 0, 0, false, fmt.Errorf("geometry: invalid point blob length %d", len(b))
	}
	if b[0] != wkbLittleEndian {
		return 0, 0, false, fmt.Errorf("geometry: unsupported byte order %d", b[0])
	}
	if kind := binary.LittleEndian.Uint32(b[1:5]); kind != wkbTypePoint {
		return 0, 0, false, fmt.Errorf("geometry: unsupported geometry type %d", kind)
	}
	x = math.Float64frombits(binary.LittleEndian.Uint64(b[5:13]))
	y = math.Float64frombits(binary.LittleEndian.Uint64(b[13:21]))
	return x, y, true, nil
}
