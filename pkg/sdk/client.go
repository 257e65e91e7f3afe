package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/httpx"
	"github.com/nicktill/sitegrid/pkg/ingest"
)

// ClientConfig holds configuration for the sitegrid client
type ClientConfig struct {
	// Endpoint is the daemon's base URL
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`

	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sitegrid: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client submits TAG files to a daemon. Safe for concurrent use.
type Client struct {
	config ClientConfig
	base   *url.URL
	http   *http.Client
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	return &Client{
		config: cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) tagfilesURL(project uuid.UUID, name string) string {
	u := *c.base
	u.Path += "/v1/projects/" + project.String() + "/tagfiles"
	u.RawQuery = url.Values{"name": {name}}.Encode()
	return u.String()
}

// Submit sends one TAG file for ingestion.
func (c *Client) Submit(ctx context.Context, project uuid.UUID, name string, data []byte) (ingest.Report, error) {
	return c.send(ctx, http.MethodPost, c.tagfilesURL(project, name), data)
}

// Remove asks the daemon to delete the passes the TAG file produced.
func (c *Client) Remove(ctx context.Context, project uuid.UUID, name string, data []byte) (ingest.Report, error) {
	return c.send(ctx, http.MethodDelete, c.tagfilesURL(project, name), data)
}

// SubmitFile reads and submits the file at path under its base name.
func (c *Client) SubmitFile(ctx context.Context, project uuid.UUID, path string) (ingest.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Report{}, err
	}
	return c.Submit(ctx, project, filepath.Base(path), data)
}

func (c *Client) send(ctx context.Context, method, target string, data []byte) (ingest.Report, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ingest.Report{}, errors.Join(ctx.Err(), lastErr)
			}
		}

		report, err := c.do(ctx, method, target, data)
		if err == nil {
			return report, nil
		}
		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return report, err
		}
		if ctx.Err() != nil {
			return report, err
		}
	}
	return ingest.Report{}, fmt.Errorf("after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, method, target string, data []byte) (ingest.Report, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return ingest.Report{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ingest.Report{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e httpx.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		}
		return ingest.Report{}, apiErr
	}

	var report ingest.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return ingest.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}
