package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omrkit/omr/internal/model"
)

// ClientConfig is the configuration of the broker API client.
type ClientConfig struct {
	// BrokerURL is the base URL of the broker, e.g. http://127.0.0.1:8080.
	BrokerURL  string
	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// Client queries the monitoring endpoints of a running broker.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a new broker API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BrokerURL, "/"),
		http:    cfg.HTTPClient,
	}, nil
}

// Status returns the broker status.
func (c *Client) Status(ctx context.Context) (*model.BrokerStatus, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/status", &resp); err != nil {
		return nil, err
	}

	st := mapResponseToStatus(resp)
	return &st, nil
}

// Job returns the latest journal record of a task.
func (c *Client) Job(ctx context.Context, taskID string) (*model.JobRecord, error) {
	var resp JobResponse
	if err := c.get(ctx, "/tasks/"+url.PathEscape(taskID), &resp); err != nil {
		return nil, err
	}

	j := mapResponseToJob(resp)
	return &j, nil
}

// Jobs returns the most recent journal records, limit 0 uses the broker default.
func (c *Client) Jobs(ctx context.Context, limit int) ([]model.JobRecord, error) {
	path := "/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp ListJobsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	jobs := make([]model.JobRecord, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		jobs = append(jobs, mapResponseToJob(j))
	}
	return jobs, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach broker: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return responseError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}

// responseError maps an error response back to the domain errors.
func responseError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}

	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, model.ErrNotFound)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, model.ErrNotValid)
	}
	return fmt.Errorf("broker returned %d: %s", code, msg)
}
