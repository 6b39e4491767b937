package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_vector_store.go -package=mocks agentstore/internal/vectorstore VectorStore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is wrapped into errors caused by the backend being unreachable.
var ErrUnavailable = errors.New("vector store unavailable")

// Point represents a vector point with metadata.
type Point struct {
	ID   string
	Vec  []float32
	Meta map[string]any
}

// SearchResult represents a point returned by the backend.
// Score is only meaningful for similarity searches.
type SearchResult struct {
	PointID string
	Score   float32
	Vec     []float32
	Meta    map[string]any
}

// Distance is the similarity metric of a collection.
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceDot    Distance = "dot"
	DistanceEuclid Distance = "euclid"
)

// ParseDistance parses a distance name, case-insensitively.
func ParseDistance(s string) (Distance, error) {
	switch d := Distance(strings.ToLower(strings.TrimSpace(s))); d {
	case DistanceCosine, DistanceDot, DistanceEuclid:
		return d, nil
	case "":
		return DistanceCosine, nil
	default:
		return "", fmt.Errorf("unknown distance %q", s)
	}
}

// Range bounds a numeric attribute. Nil bounds are open.
type Range struct {
	Gte *float64
	Lte *float64
}

// Condition restricts results on one attribute. Exactly one of Match or Range is set.
// Match accepts string, bool and integer values.
type Condition struct {
	Key   string
	Match any
	Range *Range
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition
}

// IsEmpty reports whether f restricts nothing.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Must) == 0
}

// CollectionInfo contains information about a collection.
type CollectionInfo struct {
	Name        string
	VectorSize  int
	Distance    string
	PointsCount int
	Status      string
}

// VectorStore defines the interface for vector storage operations.
type VectorStore interface {
	// EnsureCollection creates the collection or validates its vector size.
	EnsureCollection(ctx context.Context, collection string, vectorSize int, distance Distance) error

	// CollectionExists checks if a collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// Upsert inserts or updates points in the collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search performs a similarity search with an optional filter, nearest first.
	Search(ctx context.Context, collection string, query []float32, k int, filter *Filter) ([]SearchResult, error)

	// Scroll lists points matching filter in id order, skipping offset points.
	Scroll(ctx context.Context, collection string, filter *Filter, offset, limit int) ([]SearchResult, error)

	// Retrieve fetches points by their IDs. Missing IDs are skipped.
	Retrieve(ctx context.Context, collection string, ids []string) ([]SearchResult, error)

	// Delete removes points by their IDs.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes every point matching filter.
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error

	// DeleteAll removes every point in the collection.
	DeleteAll(ctx context.Context, collection string) error

	// Count returns the exact number of points matching filter.
	Count(ctx context.Context, collection string, filter *Filter) (int, error)

	// ListCollections returns the names of all collections.
	ListCollections(ctx context.Context) ([]string, error)

	// GetCollectionInfo returns information about a collection including point count.
	GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error)

	// Close releases the backend connection.
	Close() error
}
