package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"agentstore/internal/connector"
	"agentstore/internal/handlers"
	"agentstore/internal/record"
	"agentstore/internal/vectorstore"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := vectorstore.NewSQLiteStore(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	var conns []*connector.Connector
	var collections []string
	for _, table := range record.Tables() {
		c, err := connector.New(context.Background(), store, connector.Options{
			Collection: "router_" + string(table),
			Table:      table,
			VectorSize: 2,
		})
		if err != nil {
			t.Fatalf("connector.New() error = %v", err)
		}
		conns = append(conns, c)
		collections = append(collections, c.Collection())
	}

	return NewRouter(&Deps{
		Records: handlers.NewRecordsHandler(conns...),
		Health:  handlers.NewHealthHandler(store, collections...),
	})
}

func TestNewRouter(t *testing.T) {
	if router := newTestRouter(t); router == nil {
		t.Fatal("NewRouter() returned nil")
	}
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "GET /api/health", method: http.MethodGet, path: "/api/health", wantStatus: http.StatusOK},
		{name: "GET /api/indexes", method: http.MethodGet, path: "/api/indexes", wantStatus: http.StatusOK},
		{
			name:       "POST records",
			method:     http.MethodPost,
			path:       "/api/tables/messages/records",
			body:       `[{"id":"a","embedding":[1,0],"text":"hi","metadata_":{"src":"chat"}},{"id":"b","embedding":[0,1]}]`,
			wantStatus: http.StatusCreated,
		},
		{name: "GET records page", method: http.MethodGet, path: "/api/tables/messages/records?page=1&page_size=10", wantStatus: http.StatusOK},
		{name: "GET record", method: http.MethodGet, path: "/api/tables/messages/records/a", wantStatus: http.StatusOK},
		{name: "GET record view", method: http.MethodGet, path: "/api/tables/messages/records/a/view", wantStatus: http.StatusOK},
		{name: "POST query", method: http.MethodPost, path: "/api/tables/messages/query", body: `{"embedding":[1,0],"top_k":1}`, wantStatus: http.StatusOK},
		{name: "GET range", method: http.MethodGet, path: "/api/tables/messages/range?start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z", wantStatus: http.StatusOK},
		{name: "GET size", method: http.MethodGet, path: "/api/tables/messages/size", wantStatus: http.StatusOK},
		{name: "GET info", method: http.MethodGet, path: "/api/tables/messages/info", wantStatus: http.StatusOK},
		{name: "DELETE record", method: http.MethodDelete, path: "/api/tables/messages/records/a", wantStatus: http.StatusNoContent},
		{name: "GET deleted record", method: http.MethodGet, path: "/api/tables/messages/records/a", wantStatus: http.StatusNotFound},
		{name: "DELETE all records", method: http.MethodDelete, path: "/api/tables/messages/records", wantStatus: http.StatusNoContent},
		{name: "unknown table", method: http.MethodGet, path: "/api/tables/documents/size", wantStatus: http.StatusNotFound},
		{name: "method not allowed", method: http.MethodPut, path: "/api/tables/messages/records", wantStatus: http.StatusMethodNotAllowed},
		{name: "preflight", method: http.MethodOptions, path: "/api/tables/messages/records", wantStatus: http.StatusNoContent},
	}

	// Cases run in order against one store.
	for _, tt := range tests {
		var body io.Reader
		if tt.body != "" {
			body = strings.NewReader(tt.body)
		}
		req := httptest.NewRequest(tt.method, tt.path, body)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d, body = %s", tt.name, w.Code, tt.wantStatus, w.Body.String())
		}
	}
}

func TestRouter_SizeAfterInsert(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tables/passages/records",
		strings.NewReader(`{"id":"p1","embedding":[0.6,0.8],"fields":{"doc_id":"d1"}}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("insert status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tables/passages/size", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"size":1}` {
		t.Errorf("size body = %s, want {\"size\":1}", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tables/messages/size", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"size":0}` {
		t.Errorf("messages size body = %s, want {\"size\":0}", got)
	}
}
