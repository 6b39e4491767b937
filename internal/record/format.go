package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"agentstore/internal/apperr"
)

// Hit is one raw result returned by a backend: a point id, optional score
// and vector, and the flat attribute map that was stored with it.
type Hit struct {
	PointID    string
	Score      float32
	Embedding  []float32
	Attributes map[string]any
}

// FormatRecords flattens records into three parallel slices: ids, embeddings
// and backend attribute maps.
//
// Structural fields are written first, then metadata entries are merged on
// top (metadata wins on a name collision), then the reserved attributes
// text, created_at and record_id are set. Nil values are dropped at every
// level. The input records are not modified.
func FormatRecords(schema Schema, records []Record) ([]string, [][]float32, []map[string]any, error) {
	ids := make([]string, 0, len(records))
	embeddings := make([][]float32, 0, len(records))
	attrs := make([]map[string]any, 0, len(records))

	for i, rec := range records {
		flat, err := Flatten(schema, rec)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("records[%d]: %w", i, err)
		}
		ids = append(ids, rec.ID)
		embeddings = append(embeddings, rec.Embedding)
		attrs = append(attrs, flat)
	}

	return ids, embeddings, attrs, nil
}

// Flatten builds the backend attribute map for a single record.
func Flatten(schema Schema, rec Record) (map[string]any, error) {
	if rec.ID == "" {
		return nil, apperr.Invalid("id", "must not be empty")
	}

	flat := make(map[string]any, len(rec.Fields)+len(rec.Metadata)+3)

	for _, key := range sortedKeys(rec.Fields) {
		if !schema.Has(key) {
			return nil, apperr.Invalid("fields."+key, "not a field of table %s", schema.Table)
		}
		v, err := normalizeValue(rec.Fields[key])
		if err != nil {
			return nil, apperr.Invalid("fields."+key, "%v", err)
		}
		if v != nil {
			flat[key] = v
		}
	}

	if !rec.CreatedAt.IsZero() {
		flat[AttrCreatedAt] = TimeToEpoch(rec.CreatedAt)
	}

	for _, key := range sortedKeys(rec.Metadata) {
		if IsReserved(key) {
			return nil, apperr.Invalid("metadata_."+key, "reserved attribute name")
		}
		v, err := normalizeValue(rec.Metadata[key])
		if err != nil {
			return nil, apperr.Invalid("metadata_."+key, "%v", err)
		}
		if v != nil {
			flat[key] = v
		}
	}

	if rec.Text != "" {
		flat[AttrText] = rec.Text
	}
	flat[AttrRecordID] = rec.ID

	return flat, nil
}

// RecordsFromHits rebuilds records from backend hits. It is the inverse of
// FormatRecords: schema fields go back into Fields, unknown attributes into
// Metadata. Fields and Metadata are nil when nothing was stored for them.
func RecordsFromHits(schema Schema, hits []Hit) []Record {
	records := make([]Record, 0, len(hits))
	for _, hit := range hits {
		records = append(records, FromHit(schema, hit))
	}
	return records
}

// FromHit rebuilds a single record from a backend hit.
func FromHit(schema Schema, hit Hit) Record {
	rec := Record{
		ID:        hit.PointID,
		Embedding: hit.Embedding,
		Score:     hit.Score,
	}

	for key, value := range hit.Attributes {
		switch {
		case key == AttrRecordID:
			if id, ok := value.(string); ok && id != "" {
				rec.ID = id
			}
		case key == AttrText:
			rec.Text, _ = value.(string)
		case key == AttrCreatedAt:
			if t, ok := timeFromEpochValue(value); ok {
				rec.CreatedAt = t
			}
		case schema.Has(key):
			if rec.Fields == nil {
				rec.Fields = make(map[string]any)
			}
			rec.Fields[key] = value
		default:
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]any)
			}
			rec.Metadata[key] = value
		}
	}

	return rec
}

// timeFromEpochValue accepts the numeric shapes a backend may hand back.
func timeFromEpochValue(v any) (time.Time, bool) {
	switch n := v.(type) {
	case int64:
		return EpochToTime(n), true
	case int:
		return EpochToTime(int64(n)), true
	case float64:
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// normalizeValue maps Go values onto the attribute types every backend
// understands: bool, string, int64, float64, []any and map[string]any.
// Nil map entries are dropped; nil list elements are rejected.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return uintValue(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return uintValue(val)
	case float32:
		return float64(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		return f, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			if n == nil {
				return nil, fmt.Errorf("list element %d is null", i)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			if n != nil {
				out[k] = n
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
}

func uintValue(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}
