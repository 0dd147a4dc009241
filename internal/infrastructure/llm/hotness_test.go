package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"StoryRadar/internal/config"
	"StoryRadar/internal/domain"
)

func scoringServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization header = %q", got)
		}
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload.Model != "gpt-test" {
			t.Errorf("model = %q", payload.Model)
		}
		if len(payload.Messages) != 2 || payload.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", payload.Messages)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
		})
	}))
}

func TestScoreParsesCompletion(t *testing.T) {
	t.Parallel()

	server := scoringServer(t, `[{"cluster_id":1,"hotness":0.9},{"cluster_id":7,"hotness":0.2}]`)
	defer server.Close()

	client := NewHotnessClient(config.ScoringConfig{
		Endpoint: server.URL,
		Model:    "gpt-test",
		APIKey:   "key",
	})

	scores, err := client.Score(context.Background(), []domain.ClusterExport{
		{ClusterID: 1, Headline: "one", MemberCount: 3, CreatedAt: time.Now()},
		{ClusterID: 7, Headline: "seven", MemberCount: 2, CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(scores) != 2 || scores[1] != 0.9 || scores[7] != 0.2 {
		t.Fatalf("scores = %v", scores)
	}
}

func TestScoreRejectsMalformedContent(t *testing.T) {
	t.Parallel()

	server := scoringServer(t, "the clusters look hot")
	defer server.Close()

	client := NewHotnessClient(config.ScoringConfig{
		Endpoint: server.URL,
		Model:    "gpt-test",
		APIKey:   "key",
	})

	_, err := client.Score(context.Background(), []domain.ClusterExport{{ClusterID: 1}})
	if err == nil {
		t.Fatal("expected parse error for non-JSON content")
	}
}

func TestScoreEmptyInputSkipsRequest(t *testing.T) {
	t.Parallel()

	client := NewHotnessClient(config.ScoringConfig{
		Endpoint: "http://127.0.0.1:0",
		Model:    "gpt-test",
		APIKey:   "key",
	})
	scores, err := client.Score(context.Background(), nil)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(scores) != 0 {
		t.Fatalf("scores = %v", scores)
	}
}

func TestScoreRequiresConfiguration(t *testing.T) {
	t.Parallel()

	client := NewHotnessClient(config.ScoringConfig{})
	if _, err := client.Score(context.Background(), []domain.ClusterExport{{ClusterID: 1}}); err == nil {
		t.Fatal("expected misconfiguration error")
	}
}
