package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"agentstore/internal/contextutil"
	"agentstore/internal/vectorstore"
)

// HealthHandler handles HTTP requests for health checks.
type HealthHandler struct {
	vectorStore        vectorstore.VectorStore
	collections        []string
	healthCheckTimeout time.Duration
}

// NewHealthHandler creates a new HealthHandler that checks the given collections.
func NewHealthHandler(vectorStore vectorstore.VectorStore, collections ...string) *HealthHandler {
	return &HealthHandler{
		vectorStore:        vectorStore,
		collections:        collections,
		healthCheckTimeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response.
//
// swagger:model HealthResponse
type HealthResponse struct {
	// Overall health status: "healthy" or "unhealthy"
	Status string `json:"status"`

	// Timestamp of the health check
	Timestamp string `json:"timestamp"`

	// Individual check results, keyed by collection name
	Checks map[string]string `json:"checks"`

	// List of issues (only present if status is unhealthy)
	Issues []string `json:"issues,omitempty"`
}

// ServeHTTP handles HTTP requests for health checks.
//
// Returns 200 OK if every collection is reachable, 503 Service Unavailable otherwise.
//
// swagger:route GET /api/health healthCheck
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.collections))
	var issues []string
	for _, collection := range h.collections {
		if h.checkCollection(checkCtx, logger, collection) {
			checks[collection] = "ok"
		} else {
			checks[collection] = "error"
			issues = append(issues, collection+"_unavailable")
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if len(issues) > 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, ctx, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Issues:    issues,
	})
}

// checkCollection checks if the collection is reachable.
func (h *HealthHandler) checkCollection(ctx context.Context, logger *slog.Logger, collection string) bool {
	exists, err := h.vectorStore.CollectionExists(ctx, collection)
	if err != nil {
		logger.WarnContext(ctx, "vector store health check failed", "collection", collection, "error", err)
		return false
	}
	if !exists {
		logger.WarnContext(ctx, "vector store collection does not exist", "collection", collection)
		return false
	}
	return true
}
