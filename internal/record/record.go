package record

import (
	"fmt"
	"slices"
	"time"
)

// Table identifies a logical collection of records that share a schema.
type Table string

const (
	// TableMessages holds conversational messages (recall memory).
	TableMessages Table = "messages"
	// TablePassages holds retrieved passages (archival memory).
	TablePassages Table = "passages"
)

// Reserved attribute names. These are written by FormatRecords and may not
// appear as metadata keys or structural fields.
const (
	AttrText      = "text"
	AttrCreatedAt = "created_at"
	AttrRecordID  = "record_id"
)

var reserved = []string{AttrText, AttrCreatedAt, AttrRecordID}

// Record is the storage-level shape of every embedding-bearing record.
type Record struct {
	ID        string
	Embedding []float32
	Text      string
	// CreatedAt is optional; the zero value means absent.
	CreatedAt time.Time
	// Fields holds the record kind's structural attributes, keyed by schema field name.
	Fields map[string]any
	// Metadata holds free-form caller tags. Keys here win over structural
	// fields of the same name when flattened.
	Metadata map[string]any
	// Score is set on records returned from similarity queries.
	Score float32
}

// Schema is the explicit list of structural field names for one table.
// Attributes named here are restored into Record.Fields on read, everything
// else that is not reserved goes back into Record.Metadata.
type Schema struct {
	Table   Table
	Version int
	Fields  []string
}

// Has reports whether name is a structural field of the schema.
func (s Schema) Has(name string) bool {
	return slices.Contains(s.Fields, name)
}

var schemas = map[Table]Schema{
	TableMessages: {
		Table:   TableMessages,
		Version: 1,
		Fields:  []string{"user_id", "agent_id", "role", "name", "model", "tool_call_id"},
	},
	TablePassages: {
		Table:   TablePassages,
		Version: 1,
		Fields:  []string{"user_id", "agent_id", "doc_id", "data_source"},
	},
}

// SchemaFor returns the schema registered for table.
func SchemaFor(table Table) (Schema, error) {
	s, ok := schemas[table]
	if !ok {
		return Schema{}, fmt.Errorf("unknown table %q", table)
	}
	return s, nil
}

// Tables returns every table with a registered schema, sorted by name.
func Tables() []Table {
	tables := make([]Table, 0, len(schemas))
	for t := range schemas {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	return tables
}

// IsReserved reports whether name is an attribute owned by the record layer.
func IsReserved(name string) bool {
	return slices.Contains(reserved, name)
}

// TimeToEpoch converts t to whole seconds since the Unix epoch.
func TimeToEpoch(t time.Time) int64 {
	return t.Unix()
}

// EpochToTime converts seconds since the Unix epoch to a UTC time.
func EpochToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
