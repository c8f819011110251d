// Package faceindex is a supplemental approximate-nearest-neighbor index
// over cached face crops, letting the coordinator recognize "we've already
// cached a similar-looking face" without rerunning face detection on a
// near-duplicate photo.
package faceindex

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/png"
	"sync"

	"github.com/coder/hnsw"
	"github.com/pgvector/pgvector-go"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// embeddingGrid is the side length of the grayscale grid an embedding is
// sampled onto, in the spirit of the teacher's perceptual-hash resize step
// but kept as continuous luminance rather than a thresholded bitstring, so
// HNSW's cosine distance has a gradient to work with.
const embeddingGrid = 8

// Embed derives a coarse grayscale embedding from a decoded face crop:
// downsample to an embeddingGrid x embeddingGrid grid and flatten
// normalized luminance into a vector.
func Embed(cropImage []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(cropImage))
	if err != nil {
		return nil, fmt.Errorf("decoding face crop for embedding: %w", err)
	}

	small := image.NewGray(image.Rect(0, 0, embeddingGrid, embeddingGrid))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	vec := make([]float32, embeddingGrid*embeddingGrid)
	for i, px := range small.Pix {
		vec[i] = float32(px) / 255.0
	}
	return vec, nil
}

// Record is the on-disk shape of one indexed face embedding. It uses
// pgvector-go's vector type so a future move of this index to a
// Postgres-backed pgvector column needs no reshaping of the stored value.
type Record struct {
	Digest    string          `json:"digest"`
	FaceIndex int             `json:"face_index"`
	Vector    pgvector.Vector `json:"vector"`
}

// Match is one nearest-neighbor search result.
type Match struct {
	Digest    string
	FaceIndex int
	Distance  float64
}

// Index wraps an in-memory HNSW graph of face embeddings keyed by
// "<digest>#<face index>".
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	keys  map[string]Record
	maxM  int
}

// New constructs an empty index. maxNeighbors is the HNSW graph's M
// parameter (max neighbors per node); a value of 0 uses the graph's
// default.
func New(maxNeighbors int) *Index {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	if maxNeighbors > 0 {
		g.M = maxNeighbors
		g.Ml = 1.0 / float64(maxNeighbors)
	}
	return &Index{graph: g, keys: make(map[string]Record), maxM: maxNeighbors}
}

func recordKey(digest string, faceIndex int) string {
	return fmt.Sprintf("%s#%d", digest, faceIndex)
}

// Add inserts or replaces the embedding for one face crop of a cached
// digest.
func (idx *Index) Add(digest string, faceIndex int, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := recordKey(digest, faceIndex)
	idx.graph.Add(hnsw.MakeNode(key, vector))
	idx.keys[key] = Record{Digest: digest, FaceIndex: faceIndex, Vector: pgvector.NewVector(vector)}
}

// Remove drops every indexed face embedding belonging to digest. HNSW has
// no true delete, so the graph node is left in place and filtered out of
// future Search results via the keys map, mirroring the teacher's own
// HNSWIndex.Delete note about marking-as-deleted rather than true removal.
func (idx *Index) Remove(digest string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for key, rec := range idx.keys {
		if rec.Digest == digest {
			delete(idx.keys, key)
		}
	}
}

// Search returns up to k digests whose indexed face embeddings are nearest
// to query, nearest first.
func (idx *Index) Search(query []float32, k int) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.keys) == 0 {
		return nil
	}

	neighbors := idx.graph.Search(query, k)
	matches := make([]Match, 0, len(neighbors))
	for _, n := range neighbors {
		rec, ok := idx.keys[n.Key]
		if !ok {
			continue // deleted since being added to the graph
		}
		matches = append(matches, Match{
			Digest:    rec.Digest,
			FaceIndex: rec.FaceIndex,
			Distance:  float64(hnsw.CosineDistance(query, n.Value)),
		})
	}
	return matches
}

// Count returns the number of indexed face embeddings.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}
