package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"extractmon-desktop/internal/stream"
)

// Client talks to the extraction pipeline's REST API
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates an extraction API client
func NewClient(baseURL string) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
	}

	// Configure resty client. Retries cover transient server pressure;
	// connection-loss handling for the event stream lives in internal/stream.
	client.http = resty.New().
		SetTimeout(120 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return client
}

// SubmitOptions tunes a batch submission
type SubmitOptions struct {
	TemplateName  string
	MinConfidence float64
}

// BatchSubmission is the server's response to a batch submission.
// BatchID is the correlation key for all subsequent stream events.
type BatchSubmission struct {
	BatchID        string   `json:"batch_id"`
	TaskIDs        []string `json:"task_ids"`
	StreamEndpoint string   `json:"stream_endpoint"`
}

// SubmitBatch uploads the given files as one extraction batch
func (c *Client) SubmitBatch(ctx context.Context, filePaths []string, opts SubmitOptions) (*BatchSubmission, error) {
	if len(filePaths) == 0 {
		return nil, fmt.Errorf("no files to submit")
	}

	req := c.http.R().SetContext(ctx)

	// Attach by path, not by reader: resty rebuilds the multipart body from
	// a fresh handle on every retry attempt. A reader would be at EOF after
	// the first attempt and the retry would upload empty files.
	for _, path := range filePaths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		req.SetFile("files", path)
	}

	if opts.TemplateName != "" {
		req.SetFormData(map[string]string{"template_name": opts.TemplateName})
	}
	if opts.MinConfidence > 0 {
		req.SetFormData(map[string]string{"min_confidence": strconv.FormatFloat(opts.MinConfidence, 'f', -1, 64)})
	}

	resp, err := req.Post(c.buildURL("extract-batch-worker"))
	if err != nil {
		return nil, fmt.Errorf("batch submission failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("batch submission failed: %s", resp.Status())
	}

	var result BatchSubmission
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse submission response: %w", err)
	}
	if result.BatchID == "" {
		return nil, fmt.Errorf("submission response missing batch_id")
	}

	return &result, nil
}

// GetWorkers fetches the worker roster over REST. Used as a fallback while
// the admin stream is down.
func (c *Client) GetWorkers(ctx context.Context) ([]stream.Worker, error) {
	resp, err := c.http.R().SetContext(ctx).Get(c.buildURL("admin/workers"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workers: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("worker fetch failed: %s", resp.Status())
	}

	var result struct {
		Workers []stream.Worker `json:"workers"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse workers response: %w", err)
	}
	return result.Workers, nil
}

// AdminStreamURL is the admin-wide event stream endpoint
func (c *Client) AdminStreamURL() string {
	return c.buildURL("admin/stream")
}

// BatchStreamURL is the event stream endpoint scoped to one batch
func (c *Client) BatchStreamURL(batchID string) string {
	return c.buildURL(fmt.Sprintf("extract-batch-worker/%s/stream", batchID))
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}
