package index

import "math"

// Normalize returns a unit-length copy of vec (L2 norm = 1). Zero vectors
// are returned as-is.
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vec
	}

	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Dot returns the dot product of a and b. For normalized vectors this equals
// cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns the cosine similarity of two vectors of any magnitude.
func Cosine(a, b []float32) float64 {
	return Dot(Normalize(a), Normalize(b))
}
