package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentstore/internal/config"
	"agentstore/internal/connector"
	"agentstore/internal/embedding"
	"agentstore/internal/handlers"
	"agentstore/internal/http"
	"agentstore/internal/record"
	"agentstore/internal/vectorstore"
)

//go:generate swagger generate spec -o swagger.json

// General API information
//
// This API stores embedding-bearing agent records (messages and passages) in a
// vector index and serves similarity, date-range and paginated reads over them.
//
// swagger:meta
//
// ---
// swagger: '2.0'
// info:
//   title: Agent Store API
//   version: 1.0.0
// schemes:
//   - http
// consumes:
//   - application/json
// produces:
//   - application/json

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure structured logging with configurable level and format
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open vector store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()
	slog.Info("Vector store opened", "backend", cfg.Backend)

	// One connector per table, each in its own collection
	var conns []*connector.Connector
	var collections []string
	for _, table := range record.Tables() {
		c, err := connector.New(ctx, store, connector.Options{
			Collection: cfg.CollectionName(table),
			Table:      table,
			VectorSize: cfg.VectorSize,
			Distance:   cfg.Distance,
			Scope:      cfg.Scope(table),
		})
		if err != nil {
			log.Fatalf("Failed to create %s connector: %v", table, err)
		}
		conns = append(conns, c)
		collections = append(collections, c.Collection())
	}

	records := handlers.NewRecordsHandler(conns...)
	if cfg.EmbeddingBaseURL != "" {
		records.WithEmbedder(embedding.NewClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.VectorSize))
		slog.Info("Text embedding enabled", "base_url", cfg.EmbeddingBaseURL, "model", cfg.EmbeddingModel)
	}

	router := http.NewRouter(&http.Deps{
		Records: records,
		Health:  handlers.NewHealthHandler(store, collections...),
	})

	srv := &nethttp.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting API server", "addr", srv.Addr, "collections", collections)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		log.Fatalf("API server failed to start: %v", err)
	}
	slog.Info("API server stopped")
}

// openStore opens the configured vector store backend.
func openStore(cfg *config.Config) (vectorstore.VectorStore, error) {
	if cfg.Backend == config.BackendSQLite {
		store, err := vectorstore.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	store, err := vectorstore.NewQdrantStore(vectorstore.QdrantOptions{
		URL:    cfg.QdrantURL,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.QdrantUseTLS,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}
