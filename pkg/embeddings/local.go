package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultDimension = 1536

// LocalEmbeddingService is a deterministic, dependency-free embedding
// provider: each lowercased word is hashed into a bucket of the output
// vector, the result is L2-normalized. It exists for the embedded/demo
// deployment and for tests that need stable, repeatable vectors rather
// than a live LLM provider call.
type LocalEmbeddingService struct {
	dimension int
	logger    logrus.FieldLogger
}

func NewLocalEmbeddingService(dimension int, logger logrus.FieldLogger) *LocalEmbeddingService {
	if dimension <= 0 {
		dimension = defaultDimension
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LocalEmbeddingService{dimension: dimension, logger: logger}
}

func (s *LocalEmbeddingService) Dimension() int { return s.dimension }

func (s *LocalEmbeddingService) GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, s.dimension)
	if text == "" {
		return vec, nil
	}

	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		bucket := int(h.Sum32()) % s.dimension
		if bucket < 0 {
			bucket += s.dimension
		}
		vec[bucket]++
	}

	normalize(vec)
	return vec, nil
}

func normalize(vec []float64) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return
	}
	norm := math.Sqrt(sumSquares)
	for i := range vec {
		vec[i] /= norm
	}
}

var _ Provider = (*LocalEmbeddingService)(nil)
