// Package connector implements the record storage connector: a stateless
// adapter that stores embedding-bearing agent records in a vector index and
// reads them back.
//
// Each connector addresses one collection holding one table's records. It
// holds no records between calls; every operation is an independent request
// to the backend, so a Connector is safe for concurrent use whenever its
// VectorStore is. Read-after-write visibility is whatever the backend gives:
// QdrantStore waits for upserts and deletes to be applied, SQLiteStore is
// strongly consistent.
package connector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"agentstore/internal/apperr"
	"agentstore/internal/contextutil"
	"agentstore/internal/record"
	"agentstore/internal/vectorstore"
)

const (
	// DefaultTopK is the result cap used when a query passes topK <= 0.
	DefaultTopK = 10
	// DefaultBatchSize is the number of points sent per upsert and per page in GetAll.
	DefaultBatchSize = 64
)

// Options configures a Connector.
type Options struct {
	// Collection is the backend collection name.
	Collection string
	// Table selects the record schema stored in the collection.
	Table record.Table
	// VectorSize is the embedding dimension of the collection.
	VectorSize int
	// Distance is used when the collection has to be created. Defaults to cosine.
	Distance vectorstore.Distance
	// Scope restricts every read, count and delete to records whose attributes
	// match every entry, and is stamped onto inserted records that lack them.
	// Keys must be structural fields of Table.
	Scope map[string]any
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
}

// Connector stores and queries records of one table in one collection.
type Connector struct {
	store      vectorstore.VectorStore
	schema     record.Schema
	collection string
	vectorSize int
	scope      map[string]any
	batchSize  int
}

// New validates opts and makes sure the collection exists in the backend,
// creating it when needed.
func New(ctx context.Context, store vectorstore.VectorStore, opts Options) (*Connector, error) {
	const op = "new connector"

	if store == nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, errors.New("vector store is required"))
	}
	if opts.Collection == "" {
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, errors.New("collection name is required"))
	}
	if opts.VectorSize <= 0 {
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, fmt.Errorf("vector size must be greater than 0, got %d", opts.VectorSize))
	}
	schema, err := record.SchemaFor(opts.Table)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, err)
	}
	scope, err := normalizeScope(schema, opts.Scope)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, err)
	}

	distance := opts.Distance
	if distance == "" {
		distance = vectorstore.DistanceCosine
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if err := store.EnsureCollection(ctx, opts.Collection, opts.VectorSize, distance); err != nil {
		if errors.Is(err, vectorstore.ErrUnavailable) {
			return nil, apperr.Wrap(apperr.ErrConnection, op, err)
		}
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, err)
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "connector ready",
		"table", schema.Table, "collection", opts.Collection, "vector_size", opts.VectorSize)

	return &Connector{
		store:      store,
		schema:     schema,
		collection: opts.Collection,
		vectorSize: opts.VectorSize,
		scope:      scope,
		batchSize:  batchSize,
	}, nil
}

// Table returns the table whose records this connector stores.
func (c *Connector) Table() record.Table {
	return c.schema.Table
}

// Collection returns the backend collection name.
func (c *Connector) Collection() string {
	return c.collection
}

// Insert upserts one record. Re-inserting an existing id replaces it.
func (c *Connector) Insert(ctx context.Context, rec record.Record) error {
	return c.InsertMany(ctx, []record.Record{rec})
}

// InsertMany upserts records in batches. Every record is validated and
// shaped before the first request; a failing batch leaves earlier batches
// committed.
func (c *Connector) InsertMany(ctx context.Context, recs []record.Record) error {
	const op = "insert"

	if len(recs) == 0 {
		return nil
	}

	scoped := make([]record.Record, len(recs))
	for i, rec := range recs {
		if err := c.validateVector(fmt.Sprintf("records[%d].embedding", i), rec.Embedding); err != nil {
			return err
		}
		stamped, err := c.applyScope(i, rec)
		if err != nil {
			return err
		}
		scoped[i] = stamped
	}

	ids, embeddings, attrs, err := record.FormatRecords(c.schema, scoped)
	if err != nil {
		return err
	}

	points := make([]vectorstore.Point, len(ids))
	for i := range ids {
		points[i] = vectorstore.Point{ID: ids[i], Vec: embeddings[i], Meta: attrs[i]}
	}

	for start := 0; start < len(points); start += c.batchSize {
		end := min(start+c.batchSize, len(points))
		if err := c.store.Upsert(ctx, c.collection, points[start:end]); err != nil {
			if start > 0 {
				contextutil.LoggerFromContext(ctx).WarnContext(ctx, "insert stopped mid-batch",
					"table", c.schema.Table, "committed", start, "total", len(points))
			}
			return backendError(op, err)
		}
	}
	return nil
}

// Query returns up to topK records nearest to vec, nearest first.
// topK <= 0 means DefaultTopK.
func (c *Connector) Query(ctx context.Context, vec []float32, topK int) ([]record.Record, error) {
	if err := c.validateVector("query", vec); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	results, err := c.store.Search(ctx, c.collection, vec, topK, c.filter())
	if err != nil {
		return nil, backendError("query", err)
	}
	return c.toRecords(results), nil
}

// QueryDateRange returns up to topK records created within [start, end].
// Timestamps are compared at whole-second precision.
func (c *Connector) QueryDateRange(ctx context.Context, start, end time.Time, topK int) ([]record.Record, error) {
	if start.After(end) {
		return nil, apperr.Invalid("start", "must not be after end")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	lo := float64(record.TimeToEpoch(start))
	hi := float64(record.TimeToEpoch(end))
	filter := c.filter(vectorstore.Condition{
		Key:   record.AttrCreatedAt,
		Range: &vectorstore.Range{Gte: &lo, Lte: &hi},
	})

	results, err := c.store.Scroll(ctx, c.collection, filter, 0, topK)
	if err != nil {
		return nil, backendError("query date range", err)
	}
	return c.toRecords(results), nil
}

// GetPage returns the records of 1-indexed page pageNum, in id order.
func (c *Connector) GetPage(ctx context.Context, pageNum, pageSize int) ([]record.Record, error) {
	if pageNum < 1 {
		return nil, apperr.Invalid("page_num", "must be at least 1, got %d", pageNum)
	}
	if pageSize < 1 {
		return nil, apperr.Invalid("page_size", "must be at least 1, got %d", pageSize)
	}
	if pageNum-1 > math.MaxInt/pageSize {
		return nil, apperr.Invalid("page_num", "page %d of size %d is out of range", pageNum, pageSize)
	}

	results, err := c.store.Scroll(ctx, c.collection, c.filter(), (pageNum-1)*pageSize, pageSize)
	if err != nil {
		return nil, backendError("get page", err)
	}
	return c.toRecords(results), nil
}

// GetAll pages through the collection in id order. limit <= 0 means no limit.
func (c *Connector) GetAll(ctx context.Context, limit int) ([]record.Record, error) {
	var all []record.Record
	for offset := 0; ; offset += c.batchSize {
		pageSize := c.batchSize
		if limit > 0 {
			pageSize = min(pageSize, limit-len(all))
		}
		if pageSize <= 0 {
			return all, nil
		}

		results, err := c.store.Scroll(ctx, c.collection, c.filter(), offset, pageSize)
		if err != nil {
			return nil, backendError("get all", err)
		}
		all = append(all, c.toRecords(results)...)
		if len(results) < pageSize {
			return all, nil
		}
	}
}

// Get returns the record stored under id, or nil when there is none.
func (c *Connector) Get(ctx context.Context, id string) (*record.Record, error) {
	if id == "" {
		return nil, apperr.Invalid("id", "must not be empty")
	}

	results, err := c.store.Retrieve(ctx, c.collection, []string{id})
	if err != nil {
		return nil, backendError("get", err)
	}
	// Records outside the scope are reported as absent.
	if len(results) == 0 || !c.inScope(results[0].Meta) {
		return nil, nil
	}
	rec := c.toRecords(results[:1])[0]
	return &rec, nil
}

// Delete removes the record stored under id. Deleting an absent id succeeds.
// A scoped connector only deletes the record when it is in scope.
func (c *Connector) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Invalid("id", "must not be empty")
	}

	var err error
	if len(c.scope) == 0 {
		err = c.store.Delete(ctx, c.collection, []string{id})
	} else {
		err = c.store.DeleteByFilter(ctx, c.collection, c.filter(vectorstore.Condition{Key: record.AttrRecordID, Match: id}))
	}
	if err != nil {
		return backendError("delete", err)
	}
	return nil
}

// DeleteAll irreversibly removes every record in the collection, or every
// record in scope when the connector has one.
func (c *Connector) DeleteAll(ctx context.Context) error {
	var err error
	if len(c.scope) == 0 {
		err = c.store.DeleteAll(ctx, c.collection)
	} else {
		err = c.store.DeleteByFilter(ctx, c.collection, c.filter())
	}
	if err != nil {
		return backendError("delete all", err)
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "deleted all records",
		"table", c.schema.Table, "collection", c.collection, "scoped", len(c.scope) > 0)
	return nil
}

// Size returns the number of stored records in scope.
func (c *Connector) Size(ctx context.Context) (int, error) {
	n, err := c.store.Count(ctx, c.collection, c.filter())
	if err != nil {
		return 0, backendError("size", err)
	}
	return n, nil
}

// ListIndexes returns the names of every collection visible to the backend credential.
func (c *Connector) ListIndexes(ctx context.Context) ([]string, error) {
	names, err := c.store.ListCollections(ctx)
	if err != nil {
		return nil, backendError("list indexes", err)
	}
	return names, nil
}

// GetIndexInfo returns the backend's metadata for this connector's collection.
func (c *Connector) GetIndexInfo(ctx context.Context) (*vectorstore.CollectionInfo, error) {
	info, err := c.store.GetCollectionInfo(ctx, c.collection)
	if err != nil {
		return nil, backendError("get index info", err)
	}
	return info, nil
}

func (c *Connector) validateVector(field string, vec []float32) error {
	if len(vec) == 0 {
		return apperr.Invalid(field, "is required")
	}
	if len(vec) != c.vectorSize {
		return apperr.Invalid(field, "expected %d dimensions, got %d", c.vectorSize, len(vec))
	}
	return nil
}

// applyScope returns a copy of rec with missing scope fields filled in.
// A field or metadata entry naming a scope key with another value would
// move the record out of scope and is rejected.
func (c *Connector) applyScope(i int, rec record.Record) (record.Record, error) {
	if len(c.scope) == 0 {
		return rec, nil
	}
	for key, want := range c.scope {
		if v, ok := rec.Fields[key]; ok && v != nil && !scopeValueEqual(v, want) {
			return rec, apperr.Invalid(fmt.Sprintf("records[%d].%s", i, key), "conflicts with connector scope %v", want)
		}
		if v, ok := rec.Metadata[key]; ok && v != nil && !scopeValueEqual(v, want) {
			return rec, apperr.Invalid(fmt.Sprintf("records[%d].metadata_.%s", i, key), "conflicts with connector scope %v", want)
		}
	}

	fields := make(map[string]any, len(rec.Fields)+len(c.scope))
	for k, v := range rec.Fields {
		if v != nil {
			fields[k] = v
		}
	}
	maps.Copy(fields, c.scope)
	rec.Fields = fields
	return rec, nil
}

// inScope reports whether stored attributes match every scope entry.
func (c *Connector) inScope(attrs map[string]any) bool {
	for key, want := range c.scope {
		if !scopeValueEqual(attrs[key], want) {
			return false
		}
	}
	return true
}

// scopeValueEqual compares a record value with a normalized scope value.
func scopeValueEqual(v, want any) bool {
	if i, ok := v.(int); ok {
		v = int64(i)
	}
	return v == want
}

// filter builds the scope filter plus any extra conditions. Scope keys are
// emitted in sorted order so equal scopes give equal filters.
func (c *Connector) filter(extra ...vectorstore.Condition) *vectorstore.Filter {
	if len(c.scope) == 0 && len(extra) == 0 {
		return nil
	}
	must := make([]vectorstore.Condition, 0, len(c.scope)+len(extra))
	for _, key := range slices.Sorted(maps.Keys(c.scope)) {
		must = append(must, vectorstore.Condition{Key: key, Match: c.scope[key]})
	}
	must = append(must, extra...)
	return &vectorstore.Filter{Must: must}
}

func (c *Connector) toRecords(results []vectorstore.SearchResult) []record.Record {
	hits := make([]record.Hit, len(results))
	for i, r := range results {
		hits[i] = record.Hit{
			PointID:    r.PointID,
			Score:      r.Score,
			Embedding:  r.Vec,
			Attributes: r.Meta,
		}
	}
	return record.RecordsFromHits(c.schema, hits)
}

// normalizeScope checks scope keys against the schema and widens integers.
func normalizeScope(schema record.Schema, scope map[string]any) (map[string]any, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(scope))
	for k, v := range scope {
		if !schema.Has(k) {
			return nil, fmt.Errorf("scope key %q is not a field of table %s", k, schema.Table)
		}
		switch val := v.(type) {
		case string, bool, int64:
			out[k] = val
		case int:
			out[k] = int64(val)
		default:
			return nil, fmt.Errorf("unsupported scope value for %s: %T", k, v)
		}
	}
	return out, nil
}

// backendError tags a backend failure as a connection or backend error.
func backendError(op string, err error) error {
	if errors.Is(err, vectorstore.ErrUnavailable) {
		return apperr.Wrap(apperr.ErrConnection, op, err)
	}
	return apperr.Wrap(apperr.ErrBackend, op, err)
}
