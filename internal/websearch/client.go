// Package websearch queries a Tavily-compatible web search API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// Default configuration values.
const (
	DefaultBaseURL    = "https://api.tavily.com"
	DefaultMaxResults = 5
	DefaultTimeout    = 30 * time.Second
)

// maxErrorBody bounds how much of an error response ends up in the error message.
const maxErrorBody = 512

// ErrNotConfigured is returned by Disabled for every query.
var ErrNotConfigured = errors.New("web search is not configured")

// Result is one search hit. Keys are provider defined; "content" holds the text.
type Result map[string]any

// Content returns the "content" field when it is a string.
func (r Result) Content() (string, bool) {
	s, ok := r["content"].(string)
	return s, ok
}

// Config holds client settings. APIKey is fixed for the client's lifetime.
type Config struct {
	APIKey            string
	BaseURL           string
	MaxResults        int
	IncludeAnswer     bool
	IncludeImages     bool
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client calls the /search endpoint.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	maxRes  int
	answer  bool
	images  bool
	limiter *rate.Limiter
	logger  *zap.Logger
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
	IncludeImages bool   `json:"include_images"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.ConfigError("websearch.api_key is required")
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.MaxResults < 1 {
		return nil, domain.ConfigError("websearch.max_results must be positive, got %d", cfg.MaxResults)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		http:    cfg.HTTPClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		maxRes:  cfg.MaxResults,
		answer:  cfg.IncludeAnswer,
		images:  cfg.IncludeImages,
		limiter: limiter,
		logger:  cfg.Logger,
	}, nil
}

// Invoke runs a search and returns the results in provider order.
func (c *Client) Invoke(ctx context.Context, query string) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        c.apiKey,
		Query:         query,
		MaxResults:    c.maxRes,
		IncludeAnswer: c.answer,
		IncludeImages: c.images,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", domain.ErrWebRetrievalFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrWebRetrievalFailed, err)
	}

	c.logger.Debug("web search completed",
		zap.Int("results", len(out.Results)),
		zap.Duration("latency", time.Since(start)),
	)
	return out.Results, nil
}

func classifyStatus(status int, body string) error {
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: status %d: %s", domain.ErrWebRetrievalFailed, domain.ErrRateLimited, status, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: authentication rejected (status %d)", domain.ErrWebRetrievalFailed, status)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrWebRetrievalFailed, status, body)
	}
}

// Disabled stands in for the client when no API key is configured.
type Disabled struct{}

// Invoke always fails with ErrNotConfigured.
func (Disabled) Invoke(context.Context, string) ([]Result, error) {
	return nil, fmt.Errorf("%w: %w", domain.ErrWebRetrievalFailed, ErrNotConfigured)
}
