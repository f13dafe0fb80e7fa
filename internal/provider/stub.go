package provider

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// StubProvider is an offline provider for tests and demos.
//
// Embeddings are the normalized sum of one pseudo-random vector per word, so
// texts sharing words score higher than unrelated texts. Descriptions are the
// image bytes themselves when they are printable text, else a line naming the
// file.
type StubProvider struct {
	Dimensions int
	Latency    time.Duration
}

func NewStubProvider() *StubProvider {
	return &StubProvider{Dimensions: 256}
}

func (m *StubProvider) Name() string {
	return "stub"
}

func (m *StubProvider) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Latency):
		return nil
	}
}

func (m *StubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	words := tokenize(text)
	if len(words) == 0 {
		return nil, errors.New("stub: nothing to embed")
	}

	dims := m.Dimensions
	if dims <= 0 {
		dims = 256
	}
	sum := make([]float32, dims)
	for _, w := range words {
		for i, v := range wordVector(w, dims) {
			sum[i] += v
		}
	}
	return normalize(sum), nil
}

func (m *StubProvider) Describe(ctx context.Context, img Image) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if len(img.Data) == 0 {
		return "", errors.New("stub: empty image")
	}
	if text := strings.TrimSpace(string(img.Data)); utf8.ValidString(text) && printable(text) {
		return text, nil
	}
	name := "unnamed capture"
	if img.Path != "" {
		name = filepath.Base(img.Path)
	}
	return "screen capture " + name, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return s != ""
}

// wordVector derives a deterministic vector in [-1, 1] from the word's hash.
func wordVector(word string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(word))
	seed := h.Sum64()

	vec := make([]float32, dims)
	for i := range vec {
		// Simple LCG
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return vec
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
