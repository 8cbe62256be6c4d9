package index

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

// ErrDimensionMismatch reports a vector whose length does not match the
// index dimension. It is the only error the vector path surfaces to callers.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Flat is an exhaustive nearest-neighbor index over fixed-dimension float32
// vectors. It is add-only: there is no delete or in-place update primitive,
// the owning store drops the whole index and rebuilds on structural change.
// Row positions are only valid until the next such rebuild.
type Flat struct {
	dim     int
	vectors [][]float32
}

// Hit is one search result: the row position of a stored vector and its L2
// distance from the query.
type Hit struct {
	Row      int
	Distance float64
}

// New creates an empty flat index for dim-length vectors.
func New(dim int) *Flat {
	return &Flat{dim: dim}
}

// Dim returns the fixed vector dimension.
func (f *Flat) Dim() int { return f.dim }

// Count returns the number of stored vectors.
func (f *Flat) Count() int { return len(f.vectors) }

// Add appends a vector and returns its row position.
func (f *Flat) Add(vec []float32) (int, error) {
	if len(vec) != f.dim {
		return 0, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), f.dim)
	}
	stored := make([]float32, f.dim)
	copy(stored, vec)
	f.vectors = append(f.vectors, stored)
	return len(f.vectors) - 1, nil
}

// Search scans every stored vector and returns the k rows closest to query
// by L2 distance, nearest first. An empty index returns no hits.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(query), f.dim)
	}
	if len(f.vectors) == 0 || k <= 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(f.vectors))
	for row, vec := range f.vectors {
		hits = append(hits, Hit{Row: row, Distance: l2(query, vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

type flatBlob struct {
	Dim     int
	Vectors [][]float32
}

// Save writes the index as a gob blob.
func (f *Flat) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(flatBlob{Dim: f.dim, Vectors: f.vectors}); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return nil
}

// Load reads a gob blob written by Save. The stored dimension must match dim.
func Load(path string, dim int) (*Flat, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	var blob flatBlob
	if err := gob.NewDecoder(file).Decode(&blob); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if blob.Dim != dim {
		return nil, fmt.Errorf("%w: stored dim %d, configured %d", ErrDimensionMismatch, blob.Dim, dim)
	}
	return &Flat{dim: blob.Dim, vectors: blob.Vectors}, nil
}
