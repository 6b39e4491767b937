package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agentstore/internal/connector"
	"agentstore/internal/contextutil"
	"agentstore/internal/record"
)

// DefaultPageSize is used by the list endpoint when page_size is omitted.
const DefaultPageSize = 10

// Embedder turns texts into vectors for records and queries sent without one.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// RecordsHandler serves the record endpoints of every configured table.
type RecordsHandler struct {
	connectors map[record.Table]*connector.Connector
	embedder   Embedder
}

// NewRecordsHandler creates a RecordsHandler over one connector per table.
func NewRecordsHandler(connectors ...*connector.Connector) *RecordsHandler {
	m := make(map[record.Table]*connector.Connector, len(connectors))
	for _, c := range connectors {
		m[c.Table()] = c
	}
	return &RecordsHandler{connectors: m}
}

// WithEmbedder enables text-only inserts and queries.
func (h *RecordsHandler) WithEmbedder(e Embedder) *RecordsHandler {
	h.embedder = e
	return h
}

// RecordPayload is the wire form of a record.
//
// swagger:model RecordPayload
type RecordPayload struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Text      string         `json:"text,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Metadata  map[string]any `json:"metadata_,omitempty"`
	// Score is only set on query results.
	Score *float32 `json:"score,omitempty"`
}

// QueryRequest is the body of a similarity query. Text is embedded when
// Embedding is empty and an embedder is configured.
//
// swagger:model QueryRequest
type QueryRequest struct {
	Embedding []float32 `json:"embedding,omitempty"`
	Text      string    `json:"text,omitempty"`
	TopK      int       `json:"top_k,omitempty"`
}

// RecordsResponse wraps a list of records.
type RecordsResponse struct {
	Records []RecordPayload `json:"records"`
}

// InsertResponse reports how many records were written.
type InsertResponse struct {
	Inserted int `json:"inserted"`
}

// SizeResponse reports the number of stored records.
type SizeResponse struct {
	Size int `json:"size"`
}

// IndexInfoResponse describes one backend collection.
//
// swagger:model IndexInfoResponse
type IndexInfoResponse struct {
	Name        string `json:"name"`
	VectorSize  int    `json:"vector_size"`
	Distance    string `json:"distance"`
	PointsCount int    `json:"points_count"`
	Status      string `json:"status"`
}

// IndexesResponse lists backend collections.
type IndexesResponse struct {
	Indexes []string `json:"indexes"`
}

// Insert handles POST /api/tables/{table}/records. The body is one record or an array of records.
func (h *RecordsHandler) Insert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	payloads, err := decodeRecordPayloads(r)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "invalid request body", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	recs := make([]record.Record, len(payloads))
	for i, p := range payloads {
		recs[i] = p.toRecord()
	}
	if err := h.embedMissing(ctx, recs); err != nil {
		handleConnectorError(w, ctx, err, "Failed to embed records")
		return
	}
	if err := c.InsertMany(ctx, recs); err != nil {
		handleConnectorError(w, ctx, err, "Failed to insert records")
		return
	}

	writeJSON(w, ctx, http.StatusCreated, InsertResponse{Inserted: len(recs)})
}

// List handles GET /api/tables/{table}/records?page=&page_size=.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := intParam(r, "page_size", DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := c.GetPage(ctx, page, pageSize)
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to list records")
		return
	}
	writeJSON(w, ctx, http.StatusOK, toRecordsResponse(recs))
}

// Get handles GET /api/tables/{table}/records/{id}.
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	rec, err := c.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to get record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	writeJSON(w, ctx, http.StatusOK, fromRecord(*rec, false))
}

// Delete handles DELETE /api/tables/{table}/records/{id}.
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	if err := c.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		handleConnectorError(w, ctx, err, "Failed to delete record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAll handles DELETE /api/tables/{table}/records.
func (h *RecordsHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	if err := c.DeleteAll(ctx); err != nil {
		handleConnectorError(w, ctx, err, "Failed to delete records")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Query handles POST /api/tables/{table}/query.
func (h *RecordsHandler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "invalid request body", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	vec := req.Embedding
	if len(vec) == 0 && req.Text != "" && h.embedder != nil {
		vecs, err := h.embedder.EmbedTexts(ctx, []string{req.Text})
		if err != nil {
			handleConnectorError(w, ctx, err, "Failed to embed query")
			return
		}
		vec = vecs[0]
	}

	recs, err := c.Query(ctx, vec, req.TopK)
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to query records")
		return
	}
	writeJSON(w, ctx, http.StatusOK, toScoredRecordsResponse(recs))
}

// Range handles GET /api/tables/{table}/range?start=&end=&top_k=. Times are RFC 3339.
func (h *RecordsHandler) Range(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	start, err := timeParam(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topK, err := intParam(r, "top_k", connector.DefaultTopK)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := c.QueryDateRange(ctx, start, end, topK)
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to query date range")
		return
	}
	writeJSON(w, ctx, http.StatusOK, toRecordsResponse(recs))
}

// Size handles GET /api/tables/{table}/size.
func (h *RecordsHandler) Size(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	n, err := c.Size(ctx)
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to count records")
		return
	}
	writeJSON(w, ctx, http.StatusOK, SizeResponse{Size: n})
}

// Info handles GET /api/tables/{table}/info.
func (h *RecordsHandler) Info(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	info, err := c.GetIndexInfo(ctx)
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to get index info")
		return
	}
	writeJSON(w, ctx, http.StatusOK, IndexInfoResponse{
		Name:        info.Name,
		VectorSize:  info.VectorSize,
		Distance:    info.Distance,
		PointsCount: info.PointsCount,
		Status:      info.Status,
	})
}

// Indexes handles GET /api/indexes.
func (h *RecordsHandler) Indexes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Any connector sees the same backend collections.
	var c *connector.Connector
	for _, table := range record.Tables() {
		if c = h.connectors[table]; c != nil {
			break
		}
	}
	if c == nil {
		writeJSON(w, ctx, http.StatusOK, IndexesResponse{Indexes: []string{}})
		return
	}

	names, err := c.ListIndexes(ctx)
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to list indexes")
		return
	}
	writeJSON(w, ctx, http.StatusOK, IndexesResponse{Indexes: names})
}

// embedMissing fills in embeddings for records that carry text but no vector.
// Without an embedder the records are left for the connector to reject.
func (h *RecordsHandler) embedMissing(ctx context.Context, recs []record.Record) error {
	if h.embedder == nil {
		return nil
	}
	var idx []int
	var texts []string
	for i, rec := range recs {
		if len(rec.Embedding) == 0 && rec.Text != "" {
			idx = append(idx, i)
			texts = append(texts, rec.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vecs, err := h.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return err
	}
	for j, i := range idx {
		recs[i].Embedding = vecs[j]
	}
	return nil
}

// connector resolves the {table} URL parameter, writing 404 when it is unknown.
func (h *RecordsHandler) connector(w http.ResponseWriter, r *http.Request) (*connector.Connector, bool) {
	table := record.Table(chi.URLParam(r, "table"))
	c, ok := h.connectors[table]
	if !ok {
		contextutil.LoggerFromContext(r.Context()).WarnContext(r.Context(), "unknown table", "table", table)
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown table: %s", table))
		return nil, false
	}
	return c, true
}

// decodeRecordPayloads reads one record or an array of records. Numbers in
// fields and metadata keep their integer type.
func decodeRecordPayloads(r *http.Request) ([]RecordPayload, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if len(raw) > 0 && raw[0] == '[' {
		var payloads []RecordPayload
		if err := dec.Decode(&payloads); err != nil {
			return nil, err
		}
		if len(payloads) == 0 {
			return nil, errors.New("empty record list")
		}
		return payloads, nil
	}

	var p RecordPayload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return []RecordPayload{p}, nil
}

func (p RecordPayload) toRecord() record.Record {
	rec := record.Record{
		ID:        p.ID,
		Embedding: p.Embedding,
		Text:      p.Text,
		Fields:    p.Fields,
		Metadata:  p.Metadata,
	}
	if p.CreatedAt != nil {
		rec.CreatedAt = *p.CreatedAt
	}
	return rec
}

func fromRecord(rec record.Record, scored bool) RecordPayload {
	p := RecordPayload{
		ID:        rec.ID,
		Embedding: rec.Embedding,
		Text:      rec.Text,
		Fields:    rec.Fields,
		Metadata:  rec.Metadata,
	}
	if !rec.CreatedAt.IsZero() {
		t := rec.CreatedAt
		p.CreatedAt = &t
	}
	if scored {
		score := rec.Score
		p.Score = &score
	}
	return p
}

func toRecordsResponse(recs []record.Record) RecordsResponse {
	out := make([]RecordPayload, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(rec, false)
	}
	return RecordsResponse{Records: out}
}

func toScoredRecordsResponse(recs []record.Record) RecordsResponse {
	out := make([]RecordPayload, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(rec, true)
	}
	return RecordsResponse{Records: out}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing %s", name)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: must be RFC 3339", name)
	}
	return t, nil
}
