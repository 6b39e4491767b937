package record

import "time"

// Message is a conversational message stored in TableMessages.
type Message struct {
	ID         string
	UserID     string
	AgentID    string
	Role       string
	Name       string
	Model      string
	ToolCallID string
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// ToRecord converts m into the storage-level Record. Empty strings are left out.
func (m Message) ToRecord() Record {
	fields := make(map[string]any)
	setString(fields, "user_id", m.UserID)
	setString(fields, "agent_id", m.AgentID)
	setString(fields, "role", m.Role)
	setString(fields, "name", m.Name)
	setString(fields, "model", m.Model)
	setString(fields, "tool_call_id", m.ToolCallID)

	return Record{
		ID:        m.ID,
		Embedding: m.Embedding,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		Fields:    fields,
	}
}

// MessageFromRecord converts a stored Record back into a Message.
func MessageFromRecord(r Record) Message {
	return Message{
		ID:         r.ID,
		UserID:     getString(r.Fields, "user_id"),
		AgentID:    getString(r.Fields, "agent_id"),
		Role:       getString(r.Fields, "role"),
		Name:       getString(r.Fields, "name"),
		Model:      getString(r.Fields, "model"),
		ToolCallID: getString(r.Fields, "tool_call_id"),
		Text:       r.Text,
		Embedding:  r.Embedding,
		CreatedAt:  r.CreatedAt,
	}
}

// Passage is a chunk of a source document stored in TablePassages.
type Passage struct {
	ID         string
	UserID     string
	AgentID    string
	DocID      string
	DataSource string
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
	Metadata   map[string]any
}

// ToRecord converts p into the storage-level Record. Empty strings are left out.
func (p Passage) ToRecord() Record {
	fields := make(map[string]any)
	setString(fields, "user_id", p.UserID)
	setString(fields, "agent_id", p.AgentID)
	setString(fields, "doc_id", p.DocID)
	setString(fields, "data_source", p.DataSource)

	return Record{
		ID:        p.ID,
		Embedding: p.Embedding,
		Text:      p.Text,
		CreatedAt: p.CreatedAt,
		Fields:    fields,
		Metadata:  p.Metadata,
	}
}

// PassageFromRecord converts a stored Record back into a Passage.
func PassageFromRecord(r Record) Passage {
	return Passage{
		ID:         r.ID,
		UserID:     getString(r.Fields, "user_id"),
		AgentID:    getString(r.Fields, "agent_id"),
		DocID:      getString(r.Fields, "doc_id"),
		DataSource: getString(r.Fields, "data_source"),
		Text:       r.Text,
		Embedding:  r.Embedding,
		CreatedAt:  r.CreatedAt,
		Metadata:   r.Metadata,
	}
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
