package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"agentstore/internal/contextutil"
)

// MemoryDSN is the default SQLite path: an in-memory database that lives as long as the store.
const MemoryDSN = "file::memory:?cache=shared"

// ErrCollectionNotFound is returned by SQLiteStore when a collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

// SQLiteStore implements VectorStore on an embedded SQLite database.
// Similarity search is a linear scan, which suits local development and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys (disabled by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// migrate creates the required tables. It is idempotent.
func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			vector_size INTEGER NOT NULL,
			distance TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS points (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			vector TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (collection, id),
			FOREIGN KEY (collection) REFERENCES collections(name) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CollectionExists checks if a collection exists.
func (s *SQLiteStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", collection).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return n > 0, nil
}

// EnsureCollection creates the collection or validates its vector size.
func (s *SQLiteStore) EnsureCollection(ctx context.Context, collection string, vectorSize int, distance Distance) error {
	logger := contextutil.LoggerFromContext(ctx)

	size, _, err := s.collectionParams(ctx, collection)
	if errors.Is(err, ErrCollectionNotFound) {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO collections (name, vector_size, distance) VALUES (?, ?, ?)",
			collection, vectorSize, string(distance),
		)
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		logger.InfoContext(ctx, "collection created", "collection", collection, "vector_size", vectorSize)
		return nil
	}
	if err != nil {
		return err
	}

	if size != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, size)
	}
	return nil
}

func (s *SQLiteStore) collectionParams(ctx context.Context, collection string) (int, Distance, error) {
	var size int
	var distance string
	err := s.db.QueryRowContext(ctx,
		"SELECT vector_size, distance FROM collections WHERE name = ?", collection,
	).Scan(&size, &distance)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to query collection: %w", err)
	}
	return size, Distance(distance), nil
}

// Upsert inserts or updates points in the collection.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points []Point) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(points) == 0 {
		return nil
	}

	size, _, err := s.collectionParams(ctx, collection)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, p := range points {
		if len(p.Vec) != size {
			return fmt.Errorf("wrong vector dimension for point %s: expected %d, got %d", p.ID, size, len(p.Vec))
		}
		vec, err := json.Marshal(p.Vec)
		if err != nil {
			return fmt.Errorf("failed to encode vector: %w", err)
		}
		payload, err := encodePayload(p.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO points (collection, id, vector, payload) VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload`,
			collection, p.ID, string(vec), string(payload),
		)
		if err != nil {
			logger.ErrorContext(ctx, "failed to upsert point", "collection", collection, "id", p.ID, "error", err)
			return fmt.Errorf("failed to upsert point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	logger.InfoContext(ctx, "upserted points", "collection", collection, "count", len(points))
	return nil
}

// Search scores every point matching filter and returns the k best.
// Cosine and dot scores sort descending, euclidean distances ascending.
func (s *SQLiteStore) Search(ctx context.Context, collection string, query []float32, k int, filter *Filter) ([]SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}

	size, distance, err := s.collectionParams(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(query) != size {
		return nil, fmt.Errorf("wrong query vector dimension: expected %d, got %d", size, len(query))
	}

	candidates, err := s.selectPoints(ctx, collection, filter, " ORDER BY id", nil)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		candidates[i].Score = score(distance, query, candidates[i].Vec)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if distance == DistanceEuclid {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Scroll lists points matching filter in id order.
func (s *SQLiteStore) Scroll(ctx context.Context, collection string, filter *Filter, offset, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}
	if _, _, err := s.collectionParams(ctx, collection); err != nil {
		return nil, err
	}
	return s.selectPoints(ctx, collection, filter, " ORDER BY id LIMIT ? OFFSET ?", []any{limit, offset})
}

// Retrieve fetches points by their IDs.
func (s *SQLiteStore) Retrieve(ctx context.Context, collection string, ids []string) ([]SearchResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if _, _, err := s.collectionParams(ctx, collection); err != nil {
		return nil, err
	}
	in, args := inClause(ids)
	return s.selectPoints(ctx, collection, nil, " AND id IN "+in+" ORDER BY id", args)
}

func (s *SQLiteStore) selectPoints(ctx context.Context, collection string, filter *Filter, suffix string, suffixArgs []any) ([]SearchResult, error) {
	where, args, err := sqlFilter(filter)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, vector, payload FROM points WHERE collection = ?" + where + suffix
	allArgs := append([]any{collection}, args...)
	allArgs = append(allArgs, suffixArgs...)

	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var results []SearchResult
	for rows.Next() {
		var id, vecJSON, payloadJSON string
		if err := rows.Scan(&id, &vecJSON, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, fmt.Errorf("failed to decode vector of point %s: %w", id, err)
		}
		meta, err := decodePayload(payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload of point %s: %w", id, err)
		}
		results = append(results, SearchResult{PointID: id, Vec: vec, Meta: meta})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return results, nil
}

// Delete removes points by their IDs.
func (s *SQLiteStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	_, err := s.db.ExecContext(ctx, "DELETE FROM points WHERE collection = ? AND id IN "+in, append([]any{collection}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "deleted points", "collection", collection, "count", len(ids))
	return nil
}

// DeleteByFilter removes every point matching filter.
func (s *SQLiteStore) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	where, args, err := sqlFilter(filter)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM points WHERE collection = ?"+where, append([]any{collection}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to delete points by filter: %w", err)
	}
	return nil
}

// DeleteAll removes every point in the collection.
func (s *SQLiteStore) DeleteAll(ctx context.Context, collection string) error {
	return s.DeleteByFilter(ctx, collection, nil)
}

// Count returns the number of points matching filter.
func (s *SQLiteStore) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	if _, _, err := s.collectionParams(ctx, collection); err != nil {
		return 0, err
	}
	where, args, err := sqlFilter(filter)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE collection = ?"+where, append([]any{collection}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return n, nil
}

// ListCollections returns the names of all collections.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return names, nil
}

// GetCollectionInfo returns information about a collection including point count.
func (s *SQLiteStore) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	size, distance, err := s.collectionParams(ctx, collection)
	if err != nil {
		return nil, err
	}
	count, err := s.Count(ctx, collection, nil)
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        collection,
		VectorSize:  size,
		Distance:    string(distance),
		PointsCount: count,
		Status:      "green",
	}, nil
}

// sqlFilter renders a filter as extra WHERE conditions over the JSON payload.
func sqlFilter(f *Filter) (string, []any, error) {
	if f.IsEmpty() {
		return "", nil, nil
	}

	var b strings.Builder
	var args []any
	for _, c := range f.Must {
		if strings.ContainsAny(c.Key, `"\`) {
			return "", nil, fmt.Errorf("unsupported filter key %q", c.Key)
		}
		path := `$."` + c.Key + `"`

		if c.Range != nil {
			if c.Range.Gte != nil {
				b.WriteString(" AND json_extract(payload, ?) >= ?")
				args = append(args, path, *c.Range.Gte)
			}
			if c.Range.Lte != nil {
				b.WriteString(" AND json_extract(payload, ?) <= ?")
				args = append(args, path, *c.Range.Lte)
			}
			continue
		}

		switch v := c.Match.(type) {
		case string:
			args = append(args, path, v)
		case bool:
			// json_extract yields 1 or 0 for JSON booleans.
			n := 0
			if v {
				n = 1
			}
			args = append(args, path, n)
		case int:
			args = append(args, path, int64(v))
		case int64:
			args = append(args, path, v)
		default:
			return "", nil, fmt.Errorf("unsupported match value for %s: %T", c.Key, c.Match)
		}
		b.WriteString(" AND json_extract(payload, ?) = ?")
	}
	return b.String(), args, nil
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(placeholders, ", ") + ")", args
}

// encodePayload encodes a payload as JSON. Whole-number floats are written
// with a fraction so decodePayload reads them back as float64, not int64.
func encodePayload(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(floatsToNumbers(meta))
}

// floatsToNumbers returns a copy of v with every float as a json.Number
// that carries a fraction or an exponent.
func floatsToNumbers(v any) any {
	switch val := v.(type) {
	case float32:
		return floatNumber(float64(val))
	case float64:
		return floatNumber(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = floatsToNumbers(val[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = floatsToNumbers(item)
		}
		return out
	default:
		return v
	}
}

func floatNumber(f float64) any {
	// json.Marshal reports NaN and infinities.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

// decodePayload decodes a JSON payload. Numbers without a fraction or an
// exponent become int64, all others float64.
func decodePayload(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out, _ := numbersToValues(raw).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func numbersToValues(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i := range val {
			val[i] = numbersToValues(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = numbersToValues(val[k])
		}
		return val
	default:
		return v
	}
}

func score(distance Distance, a, b []float32) float32 {
	var dot, na, nb, sq float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		sq += (x - y) * (x - y)
	}

	switch distance {
	case DistanceDot:
		return float32(dot)
	case DistanceEuclid:
		return float32(math.Sqrt(sq))
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
	}
}
