// Package analysis talks to the image-analysis backend and provides a local
// fallback path for when that backend is unreachable.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"femora/pkg/domain"
)

const defaultTimeout = 30 * time.Second

// Metadata accompanies each frame dispatch.
type Metadata struct {
	TenantID  string    `json:"userId"`
	ScanType  string    `json:"scanType"`
	Timestamp time.Time `json:"timestamp"`
}

// Client calls the analysis backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an analysis client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type processRequest struct {
	Image    string   `json:"image"`
	Metadata Metadata `json:"metadata"`
}

// ProcessImage submits one captured frame and returns the backend's job
// state. Unlike the assistant client this one surfaces errors: the scan
// orchestrator decides whether to fall back locally.
func (c *Client) ProcessImage(ctx context.Context, frame []byte, meta Metadata) (domain.ProcessingStatus, error) {
	payload := processRequest{
		Image:    base64.StdEncoding.EncodeToString(frame),
		Metadata: meta,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ProcessingStatus{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-image", bytes.NewReader(body))
	if err != nil {
		return domain.ProcessingStatus{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ProcessingStatus{}, fmt.Errorf("process request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return domain.ProcessingStatus{}, fmt.Errorf("analysis error: %s", msg)
	}
	var status domain.ProcessingStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return domain.ProcessingStatus{}, fmt.Errorf("decode response: %w", err)
	}
	if !status.Status.Valid() {
		return domain.ProcessingStatus{}, fmt.Errorf("unknown processing status %q", status.Status)
	}
	return status, nil
}

// Health probes the backend's liveness endpoint. Any 2xx is healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("analysis backend unhealthy: %s", resp.Status)
	}
	return nil
}
