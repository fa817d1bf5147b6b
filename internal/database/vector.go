package database

import (
	"encoding/binary"
	"fmt"
	"math"
)

// vectorArg is the bind value for a feature vector column: NULL when empty.
func vectorArg(v []float64) any {
	if len(v) == 0 {
		return nil
	}
	return encodeVector(v)
}

// encodeVector packs a feature vector as little-endian float64 values.
func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("feature vector blob has %d bytes, not a multiple of 8", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}
