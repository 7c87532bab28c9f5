package detect

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

const defaultEmbeddingDims = 512

// HashEmbedder derives a deterministic unit vector from the media bytes and
// the face's bounding box. The same face in the same image always maps to
// the same vector, which is what offline runs and tests need; it carries no
// actual facial features.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultEmbeddingDims
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(_ context.Context, media []byte, face Face) (Embedding, error) {
	digest := sha256.New()
	digest.Write(media)
	var boxBytes [32]byte
	binary.BigEndian.PutUint64(boxBytes[0:], math.Float64bits(face.Box.X))
	binary.BigEndian.PutUint64(boxBytes[8:], math.Float64bits(face.Box.Y))
	binary.BigEndian.PutUint64(boxBytes[16:], math.Float64bits(face.Box.Width))
	binary.BigEndian.PutUint64(boxBytes[24:], math.Float64bits(face.Box.Height))
	digest.Write(boxBytes[:])
	sum := digest.Sum(nil)

	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, h.dims)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return Embedding{}, fmt.Errorf("degenerate embedding")
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return Embedding{Vector: vec, Version: "hash-v1"}, nil
}
