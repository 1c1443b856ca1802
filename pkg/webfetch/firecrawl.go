// Package webfetch retrieves rendered page content through the Firecrawl
// scrape API. All failures are reported as result values; callers never
// receive an error they must branch on mid-session.
package webfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	defaultBaseURL = "https://api.firecrawl.dev"

	// Rendered pages get a settle window before capture.
	pageSettleMillis = 3000
	scrapeTimeoutMS  = 30000
)

// Result is the outcome of a scrape. Success is false on any failure and
// Error carries the reason.
type Result struct {
	Success     bool   `json:"success"`
	Markdown    string `json:"markdown,omitempty"`
	Screenshot  string `json:"screenshot,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	SourceURL   string `json:"sourceURL,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Client calls the Firecrawl scrape endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Firecrawl client. A nil httpClient falls back to
// http.DefaultClient.
func NewClient(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.apiKey) != ""
}

// Scrape fetches a URL's rendered markdown (and optionally a screenshot).
func (c *Client) Scrape(ctx context.Context, targetURL string, includeScreenshot bool) *Result {
	if !c.Configured() {
		return failure("firecrawl api key is not configured")
	}
	if strings.TrimSpace(targetURL) == "" {
		return failure("url is required")
	}

	formats := []string{"markdown"}
	if includeScreenshot {
		formats = append(formats, "screenshot")
	}
	body, err := json.Marshal(map[string]any{
		"url":             targetURL,
		"formats":         formats,
		"onlyMainContent": true,
		"timeout":         scrapeTimeoutMS,
		"actions": []map[string]any{
			{"type": "wait", "milliseconds": pageSettleMillis},
		},
	})
	if err != nil {
		return failure(fmt.Sprintf("marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/scrape", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("firecrawl request failed", "url", targetURL, "error", err)
		return failure(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		c.logger.Warn("firecrawl non-200", "url", targetURL, "status", resp.StatusCode)
		return failure(fmt.Sprintf("firecrawl error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var decoded struct {
		Success bool `json:"success"`
		Data    struct {
			Markdown   string `json:"markdown"`
			Screenshot string `json:"screenshot"`
			Metadata   struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				SourceURL   string `json:"sourceURL"`
				StatusCode  int    `json:"statusCode"`
				Error       string `json:"error"`
			} `json:"metadata"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return failure(fmt.Sprintf("decode response: %v", err))
	}
	if !decoded.Success {
		msg := strings.TrimSpace(decoded.Error)
		if msg == "" {
			msg = strings.TrimSpace(decoded.Data.Metadata.Error)
		}
		if msg == "" {
			msg = "scrape failed"
		}
		return failure(msg)
	}

	return &Result{
		Success:     true,
		Markdown:    decoded.Data.Markdown,
		Screenshot:  decoded.Data.Screenshot,
		Title:       decoded.Data.Metadata.Title,
		Description: decoded.Data.Metadata.Description,
		SourceURL:   decoded.Data.Metadata.SourceURL,
		StatusCode:  decoded.Data.Metadata.StatusCode,
	}
}

func failure(reason string) *Result {
	return &Result{Success: false, Error: reason}
}
