// Package forward ships exported event telemetry to a remote collector.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/lineage-store/internal/version"
	"github.com/invisible-tech/lineage-store/pkg/export"
)

// ErrNotConfigured is returned when no endpoint or API key is set.
var ErrNotConfigured = errors.New("forward client not configured")

// Client handles communication with the remote telemetry collector
type Client struct {
	apiEndpoint string
	apiKey      string
	httpClient  *http.Client
	log         *logrus.Logger
}

// Config for the forward client
type Config struct {
	APIEndpoint string
	APIKey      string
	Timeout     time.Duration
}

// NewClient creates a new forward client
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		apiEndpoint: cfg.APIEndpoint,
		apiKey:      cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// Configured reports whether both endpoint and key are set.
func (c *Client) Configured() bool {
	return c.apiEndpoint != "" && c.apiKey != ""
}

// Stats summarizes the store state; sent alongside telemetry.
type Stats struct {
	Timestamp  time.Time `json:"timestamp"`
	Records    int       `json:"records"`
	Generation uint64    `json:"generation"`
	Merges     int64     `json:"merges"`
}

// SendExport posts exported content as-is. JSON-lines content goes out as
// application/x-ndjson, pretty content as application/json.
func (c *Client) SendExport(ctx context.Context, content []byte, format export.Format) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if len(content) == 0 {
		return nil
	}

	contentType := "application/x-ndjson"
	if format == export.FormatPretty {
		contentType = "application/json"
	}
	url := fmt.Sprintf("%s/api/v1/telemetry", c.apiEndpoint)
	return c.post(ctx, url, contentType, content)
}

// SendStats posts a store summary.
func (c *Client) SendStats(ctx context.Context, stats Stats) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	jsonData, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/stats", c.apiEndpoint)
	return c.post(ctx, url, "application/json", jsonData)
}

func (c *Client) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.log.WithFields(logrus.Fields{
		"url":    url,
		"status": resp.StatusCode,
		"bytes":  len(body),
	}).Debug("Forwarded telemetry")

	return nil
}

// HealthCheck checks if the collector is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	url := fmt.Sprintf("%s/health", c.apiEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	return nil
}
