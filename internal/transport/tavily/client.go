package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

const defaultBaseURL = "https://api.tavily.com"

// Client implements the Search capability against the Tavily REST API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// Config holds the search provider settings.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// New creates a Tavily search client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements domain.Searcher. Results keep the provider's order.
func (c *Client) Search(ctx context.Context, query string, topK int) ([]domain.SearchHit, error) {
	if topK <= 0 {
		topK = 5
	}

	body, err := json.Marshal(searchRequest{Query: query, MaxResults: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w: %w", domain.ErrSearchProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrSearchProvider, resp.StatusCode, detail)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrSearchProvider, err)
	}

	hits := make([]domain.SearchHit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, domain.SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}
	return hits, nil
}
