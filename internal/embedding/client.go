// Package embedding turns record text into vectors through an
// OpenAI-compatible embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentstore/internal/apperr"
	"agentstore/internal/contextutil"
)

// Client calls POST {BaseURL}/v1/embeddings.
type Client struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int // Every returned vector must have this many components
	client    *http.Client
}

// NewClient creates a new embeddings client. dimension must match the
// vector size of the collections the vectors are written to.
func NewClient(baseURL, apiKey, model string, dimension int) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		Model:     model,
		Dimension: dimension,
		client:    http.DefaultClient,
	}
}

// Request represents the request payload for the embeddings API.
type Request struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Data represents a single embedding in the response.
type Data struct {
	Embedding []float64 `json:"embedding"`
}

// Response represents the response from the embeddings API.
type Response struct {
	Data []Data `json:"data"`
}

// EmbedTexts returns one vector per text, in input order.
// Transport failures wrap apperr.ErrConnection, bad responses apperr.ErrBackend.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embed texts"

	if len(texts) == 0 {
		return nil, apperr.Invalid("texts", "must not be empty")
	}

	body, err := json.Marshal(Request{Model: c.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, op, err)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConnection, op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.Wrap(apperr.ErrBackend, op, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(raw)))
	}

	var embeddingsResp Response
	if err := json.NewDecoder(resp.Body).Decode(&embeddingsResp); err != nil {
		return nil, apperr.Wrap(apperr.ErrBackend, op, fmt.Errorf("failed to decode response: %w", err))
	}

	if len(embeddingsResp.Data) != len(texts) {
		return nil, apperr.Wrap(apperr.ErrBackend, op, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embeddingsResp.Data)))
	}

	result := make([][]float32, len(embeddingsResp.Data))
	for i, data := range embeddingsResp.Data {
		if len(data.Embedding) != c.Dimension {
			return nil, apperr.Wrap(apperr.ErrBackend, op, fmt.Errorf("embedding %d has size %d, expected %d", i, len(data.Embedding), c.Dimension))
		}
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		result[i] = vec
	}

	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "embedded texts", "count", len(texts), "model", c.Model)
	return result, nil
}
