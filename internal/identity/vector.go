package identity

import (
	"fmt"
	"math"
)

// Normalize returns the unit-length copy of vec. Zero vectors cannot be
// normalized and are rejected.
func Normalize(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return nil, fmt.Errorf("zero-length embedding")
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

// Cosine computes cosine similarity between two unit vectors, which reduces
// to their dot product. Mismatched dimensions score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Fold merges two embeddings via an appearance-count-weighted average and
// re-normalizes. Either side may be empty, in which case the other wins.
func Fold(current []float32, currentCount int, sample []float32, sampleCount int) ([]float32, error) {
	if len(current) == 0 {
		if len(sample) == 0 {
			return nil, nil
		}
		return Normalize(sample)
	}
	if len(sample) == 0 {
		return Normalize(current)
	}
	if len(current) != len(sample) {
		return nil, fmt.Errorf("embedding dimensions differ: %d vs %d", len(current), len(sample))
	}
	if currentCount < 1 {
		currentCount = 1
	}
	if sampleCount < 1 {
		sampleCount = 1
	}
	total := float64(currentCount + sampleCount)
	merged := make([]float32, len(current))
	for i := range current {
		merged[i] = float32((float64(current[i])*float64(currentCount) +
			float64(sample[i])*float64(sampleCount)) / total)
	}
	return Normalize(merged)
}
