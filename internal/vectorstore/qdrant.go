package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agentstore/internal/contextutil"
)

// pointNamespace seeds the UUIDv5 point ids derived from non-UUID record ids.
var pointNamespace = uuid.MustParse("6f1c9a3e-2b7d-5c40-9e1a-7d3f2c8b4a60")

// QdrantStore implements VectorStore using Qdrant.
type QdrantStore struct {
	client *qdrant.Client
}

// QdrantOptions configures the connection to a Qdrant server.
type QdrantOptions struct {
	// URL should be in the format "http://host:port" (e.g., "http://localhost:6333").
	// The gRPC port (typically 6334) will be derived from the HTTP port.
	URL    string
	APIKey string
	UseTLS bool
}

// NewQdrantStore creates a new Qdrant vector store client.
// The connection is established lazily; the first call reports an unreachable server.
func NewQdrantStore(opts QdrantOptions) (*QdrantStore, error) {
	host, port, err := grpcAddress(opts.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
	}, nil
}

// grpcAddress derives the gRPC host and port from the HTTP URL of a Qdrant server.
func grpcAddress(urlStr string) (string, int, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 6334 // Default gRPC port
	if parsedURL.Port() != "" {
		httpPort, err := strconv.Atoi(parsedURL.Port())
		if err == nil {
			// gRPC port is typically HTTP port + 1
			port = httpPort + 1
		}
	}

	return host, port, nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Upsert inserts or updates points in the collection.
// The request waits for the write to be applied, so a following read sees it.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		qdrantPoint := &qdrant.PointStruct{
			Id:      pointID(point.ID),
			Vectors: qdrant.NewVectors(point.Vec...),
		}

		if len(point.Meta) > 0 {
			payload, err := qdrant.TryValueMap(point.Meta)
			if err != nil {
				return fmt.Errorf("invalid payload for point %s: %w", point.ID, err)
			}
			qdrantPoint.Payload = payload
		}

		qdrantPoints = append(qdrantPoints, qdrantPoint)
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         qdrantPoints,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", collection, "count", len(points), "error", err)
		return fmt.Errorf("failed to upsert points: %w", classify(err))
	}

	logger.InfoContext(ctx, "upserted points", "collection", collection, "count", len(points))
	return nil
}

// Search performs a similarity search with an optional filter.
func (s *QdrantStore) Search(ctx context.Context, collection string, query []float32, k int, filter *Filter) ([]SearchResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}

	qdrantFilter, err := toQdrantFilter(filter)
	if err != nil {
		return nil, err
	}

	limit := uint64(k)
	scoredPoints, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         qdrantFilter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to search points", "collection", collection, "k", k, "error", err)
		return nil, fmt.Errorf("failed to search points: %w", classify(err))
	}

	results := make([]SearchResult, 0, len(scoredPoints))
	for _, p := range scoredPoints {
		results = append(results, toSearchResult(p.GetId(), p.GetScore(), p.GetPayload(), p.GetVectors()))
	}

	logger.InfoContext(ctx, "search completed", "collection", collection, "k", k, "results", len(results))
	return results, nil
}

// Scroll lists points in id order. A query without a query vector makes
// Qdrant return points ordered by id, which supports numeric offsets.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter *Filter, offset, limit int) ([]SearchResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}

	qdrantFilter, err := toQdrantFilter(filter)
	if err != nil {
		return nil, err
	}

	lim := uint64(limit)
	off := uint64(offset)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Filter:         qdrantFilter,
		Limit:          &lim,
		Offset:         &off,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to scroll points", "collection", collection, "offset", offset, "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to scroll points: %w", classify(err))
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, toSearchResult(p.GetId(), 0, p.GetPayload(), p.GetVectors()))
	}

	logger.DebugContext(ctx, "scroll completed", "collection", collection, "offset", offset, "results", len(results))
	return results, nil
}

// Retrieve fetches points by their IDs.
func (s *QdrantStore) Retrieve(ctx context.Context, collection string, ids []string) ([]SearchResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	qdrantIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		qdrantIDs = append(qdrantIDs, pointID(id))
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            qdrantIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to retrieve points", "collection", collection, "count", len(ids), "error", err)
		return nil, fmt.Errorf("failed to retrieve points: %w", classify(err))
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, toSearchResult(p.GetId(), 0, p.GetPayload(), p.GetVectors()))
	}
	return results, nil
}

// Delete removes points by their IDs.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(ids) == 0 {
		return nil
	}

	qdrantIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		qdrantIDs = append(qdrantIDs, pointID(id))
	}

	if err := s.deletePoints(ctx, collection, qdrant.NewPointsSelector(qdrantIDs...)); err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", collection, "count", len(ids), "error", err)
		return fmt.Errorf("failed to delete points: %w", err)
	}

	logger.InfoContext(ctx, "deleted points", "collection", collection, "count", len(ids))
	return nil
}

// DeleteByFilter removes every point matching filter.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	logger := contextutil.LoggerFromContext(ctx)

	qdrantFilter, err := toQdrantFilter(filter)
	if err != nil {
		return err
	}
	if qdrantFilter == nil {
		qdrantFilter = &qdrant.Filter{}
	}

	if err := s.deletePoints(ctx, collection, qdrant.NewPointsSelectorFilter(qdrantFilter)); err != nil {
		logger.ErrorContext(ctx, "failed to delete points by filter", "collection", collection, "error", err)
		return fmt.Errorf("failed to delete points by filter: %w", err)
	}

	logger.InfoContext(ctx, "deleted points by filter", "collection", collection, "conditions", len(qdrantFilter.GetMust()))
	return nil
}

// DeleteAll removes every point in the collection. The collection itself is kept.
func (s *QdrantStore) DeleteAll(ctx context.Context, collection string) error {
	return s.DeleteByFilter(ctx, collection, nil)
}

func (s *QdrantStore) deletePoints(ctx context.Context, collection string, selector *qdrant.PointsSelector) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         selector,
	})
	return classify(err)
}

// Count returns the exact number of points matching filter.
func (s *QdrantStore) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	qdrantFilter, err := toQdrantFilter(filter)
	if err != nil {
		return 0, err
	}

	exact := true
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         qdrantFilter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", classify(err))
	}
	return int(count), nil
}

// ListCollections returns the names of all collections visible to the API key.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", classify(err))
	}
	return names, nil
}

// CollectionExists checks if a collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", classify(err))
	}
	return exists, nil
}

// EnsureCollection ensures a collection exists with the specified vector size.
// If the collection exists, validates that the vector size matches.
// If it doesn't exist, creates it with the specified vector size and distance.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, vectorSize int, distance Distance) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}

	if !exists {
		logger.InfoContext(ctx, "creating collection", "collection", collection, "vector_size", vectorSize, "distance", distance)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrantDistance(distance),
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", classify(err))
		}
		logger.InfoContext(ctx, "collection created", "collection", collection, "vector_size", vectorSize)
		return nil
	}

	info, err := s.GetCollectionInfo(ctx, collection)
	if err != nil {
		return err
	}
	if info.VectorSize == 0 {
		return fmt.Errorf("could not determine collection vector size")
	}
	if info.VectorSize != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, info.VectorSize)
	}

	logger.InfoContext(ctx, "collection validated", "collection", collection, "vector_size", vectorSize)
	return nil
}

// GetCollectionInfo returns information about a collection including point count.
func (s *QdrantStore) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", classify(err))
	}

	var vectorSize int
	distance := "unknown"
	if config := info.GetConfig(); config != nil && config.GetParams() != nil {
		if params := config.GetParams().GetVectorsConfig().GetParams(); params != nil {
			vectorSize = int(params.GetSize())
			distance = params.GetDistance().String()
		}
	}

	var pointsCount int
	if info.PointsCount != nil {
		pointsCount = int(*info.PointsCount)
	}

	status := "unknown"
	if info.Status != 0 {
		status = info.Status.String()
	}

	return &CollectionInfo{
		Name:        collection,
		VectorSize:  vectorSize,
		Distance:    distance,
		PointsCount: pointsCount,
		Status:      status,
	}, nil
}

// classify marks transport-level gRPC failures with ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// pointID maps a record id onto a Qdrant point id. Qdrant only accepts
// UUIDs and unsigned integers, so other ids get a deterministic UUIDv5.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewID(PointUUID(id))
}

// PointUUID returns the UUID string Qdrant stores for a record id.
func PointUUID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func qdrantDistance(d Distance) qdrant.Distance {
	switch d {
	case DistanceDot:
		return qdrant.Distance_Dot
	case DistanceEuclid:
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

// toQdrantFilter translates a backend-neutral filter into a Qdrant filter.
func toQdrantFilter(f *Filter) (*qdrant.Filter, error) {
	if f.IsEmpty() {
		return nil, nil
	}

	mustConditions := make([]*qdrant.Condition, 0, len(f.Must))
	for _, c := range f.Must {
		if c.Range != nil {
			mustConditions = append(mustConditions, qdrant.NewRange(c.Key, &qdrant.Range{
				Gte: c.Range.Gte,
				Lte: c.Range.Lte,
			}))
			continue
		}

		switch v := c.Match.(type) {
		case string:
			mustConditions = append(mustConditions, qdrant.NewMatch(c.Key, v))
		case bool:
			mustConditions = append(mustConditions, qdrant.NewMatchBool(c.Key, v))
		case int:
			mustConditions = append(mustConditions, qdrant.NewMatchInt(c.Key, int64(v)))
		case int64:
			mustConditions = append(mustConditions, qdrant.NewMatchInt(c.Key, v))
		default:
			return nil, fmt.Errorf("unsupported match value for %s: %T", c.Key, c.Match)
		}
	}

	return &qdrant.Filter{Must: mustConditions}, nil
}

func toSearchResult(id *qdrant.PointId, score float32, payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) SearchResult {
	return SearchResult{
		PointID: pointIDString(id),
		Score:   score,
		Vec:     denseVector(vectors),
		Meta:    convertPayloadToMap(payload),
	}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// denseVector extracts the unnamed dense vector from a point.
func denseVector(vectors *qdrant.VectorsOutput) []float32 {
	vec := vectors.GetVector()
	if vec == nil {
		return nil
	}
	if dense := vec.GetDense(); dense != nil {
		return dense.GetData()
	}
	return vec.GetData()
}

// convertPayloadToMap converts Qdrant payload to map[string]any.
func convertPayloadToMap(payload map[string]*qdrant.Value) map[string]any {
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		if converted := convertValue(v); converted != nil {
			result[k] = converted
		}
	}
	return result
}

// convertValue converts a Qdrant Value to Go any type.
func convertValue(v *qdrant.Value) any {
	switch val := v.Kind.(type) {
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_ListValue:
		list := make([]any, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			list[i] = convertValue(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return convertPayloadToMap(val.StructValue.Fields)
	default:
		return nil
	}
}
