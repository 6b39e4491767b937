package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/mock/gomock"

	"agentstore/internal/connector"
	"agentstore/internal/record"
	"agentstore/internal/vectorstore"
	"agentstore/internal/vectorstore/mocks"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestStore(t *testing.T) *vectorstore.SQLiteStore {
	t.Helper()
	store, err := vectorstore.NewSQLiteStore(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// newTestRecordsHandler serves messages and passages from a fresh SQLite store.
func newTestRecordsHandler(t *testing.T) *RecordsHandler {
	t.Helper()
	store := newTestStore(t)
	var conns []*connector.Connector
	for _, table := range record.Tables() {
		c, err := connector.New(context.Background(), store, connector.Options{
			Collection: "test_" + string(table),
			Table:      table,
			VectorSize: 2,
		})
		if err != nil {
			t.Fatalf("connector.New(%s) error = %v", table, err)
		}
		conns = append(conns, c)
	}
	return NewRecordsHandler(conns...)
}

// newRequest builds a request carrying chi URL parameters.
func newRequest(method, target string, body any, params map[string]string) *http.Request {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestRecordsHandler_InsertAndGet(t *testing.T) {
	h := newTestRecordsHandler(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	table := map[string]string{"table": "messages"}

	w := httptest.NewRecorder()
	h.Insert(w, newRequest(http.MethodPost, "/api/tables/messages/records", RecordPayload{
		ID:        "m1",
		Embedding: []float32{0.5, 0.5},
		Text:      "hello",
		CreatedAt: &created,
		Fields:    map[string]any{"role": "user"},
		Metadata:  map[string]any{"src": "chat", "turn": 3},
	}, table))
	if w.Code != http.StatusCreated {
		t.Fatalf("Insert() status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody[InsertResponse](t, w); got.Inserted != 1 {
		t.Errorf("Insert() inserted = %d, want 1", got.Inserted)
	}

	w = httptest.NewRecorder()
	h.Get(w, newRequest(http.MethodGet, "/api/tables/messages/records/m1", nil, map[string]string{"table": "messages", "id": "m1"}))
	if w.Code != http.StatusOK {
		t.Fatalf("Get() status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeBody[RecordPayload](t, w)
	if got.ID != "m1" || got.Text != "hello" || got.Fields["role"] != "user" || got.Metadata["src"] != "chat" {
		t.Errorf("Get() = %+v", got)
	}
	// JSON numbers decode as float64 on the client side.
	if got.Metadata["turn"] != float64(3) {
		t.Errorf("Get() metadata turn = %#v, want 3", got.Metadata["turn"])
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(created) {
		t.Errorf("Get() created_at = %v, want %v", got.CreatedAt, created)
	}
	if got.Score != nil {
		t.Errorf("Get() score = %v, want omitted", *got.Score)
	}

	w = httptest.NewRecorder()
	h.Get(w, newRequest(http.MethodGet, "/api/tables/messages/records/missing", nil, map[string]string{"table": "messages", "id": "missing"}))
	if w.Code != http.StatusNotFound {
		t.Errorf("Get(missing) status = %d, want 404", w.Code)
	}
}

func TestRecordsHandler_InsertErrors(t *testing.T) {
	h := newTestRecordsHandler(t)

	tests := []struct {
		name       string
		table      string
		body       any
		wantStatus int
	}{
		{
			name:       "unknown table",
			table:      "documents",
			body:       RecordPayload{ID: "x", Embedding: []float32{1, 0}},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid JSON body",
			table:      "messages",
			body:       "invalid json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty array",
			table:      "messages",
			body:       "[]",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong dimension",
			table:      "messages",
			body:       RecordPayload{ID: "x", Embedding: []float32{1, 0, 0}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "reserved metadata key",
			table:      "messages",
			body:       RecordPayload{ID: "x", Embedding: []float32{1, 0}, Metadata: map[string]any{"created_at": 1}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "field outside schema",
			table:      "messages",
			body:       RecordPayload{ID: "x", Embedding: []float32{1, 0}, Fields: map[string]any{"doc_id": "d"}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Insert(w, newRequest(http.MethodPost, "/records", tt.body, map[string]string{"table": tt.table}))
			if w.Code != tt.wantStatus {
				t.Errorf("Insert() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := decodeBody[ErrorResponse](t, w); got.Error == "" {
				t.Error("Insert() error response has empty message")
			}
		})
	}
}

func TestRecordsHandler_ListSizeAndDelete(t *testing.T) {
	h := newTestRecordsHandler(t)
	table := map[string]string{"table": "passages"}

	var batch []RecordPayload
	for _, id := range []string{"p1", "p2", "p3"} {
		batch = append(batch, RecordPayload{ID: id, Embedding: []float32{1, 1}, Fields: map[string]any{"doc_id": "doc"}})
	}
	w := httptest.NewRecorder()
	h.Insert(w, newRequest(http.MethodPost, "/records", batch, table))
	if w.Code != http.StatusCreated {
		t.Fatalf("Insert() status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.List(w, newRequest(http.MethodGet, "/records?page=2&page_size=2", nil, table))
	if w.Code != http.StatusOK {
		t.Fatalf("List() status = %d", w.Code)
	}
	if got := decodeBody[RecordsResponse](t, w); len(got.Records) != 1 || got.Records[0].ID != "p3" {
		t.Errorf("List(page 2) = %+v", got.Records)
	}

	w = httptest.NewRecorder()
	h.List(w, newRequest(http.MethodGet, "/records?page=0", nil, table))
	if w.Code != http.StatusBadRequest {
		t.Errorf("List(page 0) status = %d, want 400", w.Code)
	}
	w = httptest.NewRecorder()
	h.List(w, newRequest(http.MethodGet, "/records?page_size=abc", nil, table))
	if w.Code != http.StatusBadRequest {
		t.Errorf("List(page_size=abc) status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	h.Delete(w, newRequest(http.MethodDelete, "/records/p1", nil, map[string]string{"table": "passages", "id": "p1"}))
	if w.Code != http.StatusNoContent {
		t.Errorf("Delete() status = %d, want 204", w.Code)
	}

	w = httptest.NewRecorder()
	h.Size(w, newRequest(http.MethodGet, "/size", nil, table))
	if got := decodeBody[SizeResponse](t, w); got.Size != 2 {
		t.Errorf("Size() = %d, want 2", got.Size)
	}

	w = httptest.NewRecorder()
	h.DeleteAll(w, newRequest(http.MethodDelete, "/records", nil, table))
	if w.Code != http.StatusNoContent {
		t.Errorf("DeleteAll() status = %d, want 204", w.Code)
	}

	w = httptest.NewRecorder()
	h.Info(w, newRequest(http.MethodGet, "/info", nil, table))
	info := decodeBody[IndexInfoResponse](t, w)
	if info.Name != "test_passages" || info.PointsCount != 0 || info.VectorSize != 2 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestRecordsHandler_QueryAndRange(t *testing.T) {
	h := newTestRecordsHandler(t)
	table := map[string]string{"table": "messages"}
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	var batch []RecordPayload
	for i, vec := range [][]float32{{1, 0}, {0, 1}, {1, 1}} {
		created := base.Add(time.Duration(i) * time.Hour)
		batch = append(batch, RecordPayload{ID: string(rune('a' + i)), Embedding: vec, CreatedAt: &created})
	}
	w := httptest.NewRecorder()
	h.Insert(w, newRequest(http.MethodPost, "/records", batch, table))
	if w.Code != http.StatusCreated {
		t.Fatalf("Insert() status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.Query(w, newRequest(http.MethodPost, "/query", QueryRequest{Embedding: []float32{1, 0}, TopK: 1}, table))
	if w.Code != http.StatusOK {
		t.Fatalf("Query() status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeBody[RecordsResponse](t, w)
	if len(got.Records) != 1 || got.Records[0].ID != "a" || got.Records[0].Score == nil {
		t.Errorf("Query() = %+v", got.Records)
	}

	w = httptest.NewRecorder()
	h.Query(w, newRequest(http.MethodPost, "/query", QueryRequest{Embedding: []float32{1}}, table))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Query() with wrong dimension status = %d, want 400", w.Code)
	}

	target := "/range?start=" + base.Add(30*time.Minute).Format(time.RFC3339) + "&end=" + base.Add(3*time.Hour).Format(time.RFC3339)
	w = httptest.NewRecorder()
	h.Range(w, newRequest(http.MethodGet, target, nil, table))
	if w.Code != http.StatusOK {
		t.Fatalf("Range() status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody[RecordsResponse](t, w); len(got.Records) != 2 {
		t.Errorf("Range() returned %d records, want 2", len(got.Records))
	}

	rangeErrors := []string{
		"/range?end=2024-01-10T00:00:00Z",
		"/range?start=yesterday&end=2024-01-10T00:00:00Z",
		"/range?start=2024-01-11T00:00:00Z&end=2024-01-10T00:00:00Z",
		"/range?start=2024-01-10T00:00:00Z&end=2024-01-11T00:00:00Z&top_k=x",
	}
	for _, target := range rangeErrors {
		w = httptest.NewRecorder()
		h.Range(w, newRequest(http.MethodGet, target, nil, table))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Range(%s) status = %d, want 400", target, w.Code)
		}
	}
}

func TestRecordsHandler_Indexes(t *testing.T) {
	h := newTestRecordsHandler(t)

	w := httptest.NewRecorder()
	h.Indexes(w, newRequest(http.MethodGet, "/api/indexes", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Indexes() status = %d", w.Code)
	}
	got := decodeBody[IndexesResponse](t, w)
	if len(got.Indexes) != 2 || got.Indexes[0] != "test_messages" || got.Indexes[1] != "test_passages" {
		t.Errorf("Indexes() = %v", got.Indexes)
	}

	w = httptest.NewRecorder()
	NewRecordsHandler().Indexes(w, newRequest(http.MethodGet, "/api/indexes", nil, nil))
	if got := decodeBody[IndexesResponse](t, w); got.Indexes == nil || len(got.Indexes) != 0 {
		t.Errorf("Indexes() without connectors = %v", got.Indexes)
	}
}

func TestRecordsHandler_BackendErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "unreachable backend", err: errors.Join(vectorstore.ErrUnavailable, errors.New("dial tcp")), wantStatus: http.StatusServiceUnavailable},
		{name: "backend failure", err: errors.New("collection is locked"), wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := mocks.NewMockVectorStore(ctrl)
			store.EXPECT().EnsureCollection(gomock.Any(), "c", 2, vectorstore.DistanceCosine).Return(nil)
			store.EXPECT().Count(gomock.Any(), "c", gomock.Nil()).Return(0, tt.err)

			c, err := connector.New(context.Background(), store, connector.Options{Collection: "c", Table: record.TableMessages, VectorSize: 2})
			if err != nil {
				t.Fatalf("connector.New() error = %v", err)
			}

			w := httptest.NewRecorder()
			NewRecordsHandler(c).Size(w, newRequest(http.MethodGet, "/size", nil, map[string]string{"table": "messages"}))
			if w.Code != tt.wantStatus {
				t.Errorf("Size() status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleConnectorError_Default(t *testing.T) {
	w := httptest.NewRecorder()
	handleConnectorError(w, context.Background(), errors.New("boom"), "Something failed")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if got := decodeBody[ErrorResponse](t, w); got.Error != "Something failed" {
		t.Errorf("error = %q, want default message", got.Error)
	}
}

// fakeEmbedder maps each text to a fixed vector.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := f.vectors[text]
		if !ok {
			return nil, errors.New("no vector for " + text)
		}
		out[i] = vec
	}
	return out, nil
}

func TestRecordsHandler_TextWithEmbedder(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"east":  {1, 0},
		"north": {0, 1},
		"right": {0.9, 0.1},
	}}
	h := newTestRecordsHandler(t).WithEmbedder(emb)
	table := map[string]string{"table": "passages"}

	w := httptest.NewRecorder()
	h.Insert(w, newRequest(http.MethodPost, "/records", []RecordPayload{
		{ID: "e", Text: "east"},
		{ID: "n", Text: "north"},
		{ID: "given", Text: "ignored", Embedding: []float32{0, 1}},
	}, table))
	if w.Code != http.StatusCreated {
		t.Fatalf("Insert() status = %d, body = %s", w.Code, w.Body.String())
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1 batch", emb.calls)
	}

	w = httptest.NewRecorder()
	h.Query(w, newRequest(http.MethodPost, "/query", QueryRequest{Text: "right", TopK: 1}, table))
	if w.Code != http.StatusOK {
		t.Fatalf("Query() status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody[RecordsResponse](t, w); len(got.Records) != 1 || got.Records[0].ID != "e" {
		t.Errorf("Query() = %+v", got.Records)
	}

	w = httptest.NewRecorder()
	h.Query(w, newRequest(http.MethodPost, "/query", QueryRequest{Text: "unknown"}, table))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Query() with failing embedder status = %d, want 500", w.Code)
	}
}

func TestRecordsHandler_TextWithoutEmbedder(t *testing.T) {
	h := newTestRecordsHandler(t)

	w := httptest.NewRecorder()
	h.Query(w, newRequest(http.MethodPost, "/query", QueryRequest{Text: "anything"}, map[string]string{"table": "messages"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Query() text without embedder status = %d, want 400", w.Code)
	}
}
