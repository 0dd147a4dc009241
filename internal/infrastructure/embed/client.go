package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"StoryRadar/internal/domain"
	"StoryRadar/internal/ports"
)

// maxLeadChars bounds how much of the article body is embedded alongside the
// title; the multilingual sentence encoder truncates long inputs anyway.
const maxLeadChars = 600

// Client talks to an external inference service that turns article text into
// embedding vectors of a fixed dimension.
type Client struct {
	endpoint  string
	apiKey    string
	dimension int
	http      *http.Client
}

var _ ports.Embedder = (*Client)(nil)

// NewClient creates a reusable HTTP client for the embedding endpoint.
func NewClient(endpoint, apiKey string, dimension int) *Client {
	return &Client{
		endpoint:  endpoint,
		apiKey:    apiKey,
		dimension: dimension,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Embed posts title plus a truncated lead and returns the embedding vector.
// Transport failures map to the transient error kind so callers can retry.
func (c *Client) Embed(ctx context.Context, article domain.Article) ([]float32, error) {
	lead := article.Lead
	// Truncate on runes: slicing bytes could split a multibyte character.
	if runes := []rune(lead); len(runes) > maxLeadChars {
		lead = string(runes[:maxLeadChars])
	}
	text := strings.TrimSpace(article.Title) + " [SEP] " + strings.TrimSpace(lead)

	body, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %v: %w", article.ID, err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed %s: unexpected status %s: %w",
			article.ID, resp.Status, domain.ErrTransient)
	}

	var payload struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}

	if len(payload.Embedding) != c.dimension {
		return nil, fmt.Errorf("%w: service returned dimension %d, expected %d",
			domain.ErrInvalidInput, len(payload.Embedding), c.dimension)
	}
	return payload.Embedding, nil
}
