package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"StoryRadar/internal/config"
	"StoryRadar/internal/domain"
	"StoryRadar/internal/ports"
)

// HotnessClient hands the top-cluster export to an OpenAI-compatible chat
// API and reads back per-cluster hotness scores. The scoring model and its
// prompts live downstream; this client only carries the boundary payloads.
type HotnessClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
}

var _ ports.HotnessScorer = (*HotnessClient)(nil)

// NewHotnessClient builds a client from configuration.
func NewHotnessClient(cfg config.ScoringConfig) *HotnessClient {
	return &HotnessClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Score posts the cluster export as a user message and parses the scores
// from the first choice, expected as a JSON array of {cluster_id, hotness}.
func (c *HotnessClient) Score(ctx context.Context, clusters []domain.ClusterExport) (map[int64]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("hotness client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return nil, fmt.Errorf("hotness client misconfigured")
	}
	if len(clusters) == 0 {
		return map[int64]float64{}, nil
	}

	payload, err := json.Marshal(clusters)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster export: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": safePrompt(c.systemPrompt)},
			{"role": "user", "content": string(payload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal scoring payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score clusters: %v: %w", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("scoring error %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("scoring response has no choices")
	}

	var scored []struct {
		ClusterID int64   `json:"cluster_id"`
		Hotness   float64 `json:"hotness"`
	}
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &scored); err != nil {
		return nil, fmt.Errorf("parse scores: %w", err)
	}

	scores := make(map[int64]float64, len(scored))
	for _, item := range scored {
		scores[item.ClusterID] = item.Hotness
	}
	return scores, nil
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You rate news story clusters by hotness from 0 to 1 and answer " +
			"with a JSON array of {cluster_id, hotness}."
	}
	return prompt
}
