package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"StoryRadar/internal/domain"
)

// encodeVector packs a float32 vector into little-endian bytes, the same raw
// layout the embedding service emits.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte, dim int) ([]float32, error) {
	if len(raw) != 4*dim {
		return nil, fmt.Errorf("%w: embedding blob is %d bytes, expected %d",
			domain.ErrCorruption, len(raw), 4*dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
