package featurestore

import (
	"fmt"

	"github.com/viant/featuresync/engine"
)

const wkbPointSize = engine.PointWKBSize

// EncodePoint encodes a point as little-endian WKB suitable for storage in
// SQLite. A nil point encodes to nil.
func EncodePoint(p *Point) []byte {
	if p == nil {
		return nil
	}
	return engine.EncodePointWKB(p.X, p.Y)
}

// DecodePoint decodes a BLOB produced by EncodePoint.
func DecodePoint(b []byte) (*Point, error) {
	x, y, ok, err := engine.DecodePointWKB(b)
	if err != nil {
		return nil, fmt.Errorf("featurestore: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Point{X: x, Y: y}, nil
}
