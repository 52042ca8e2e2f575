package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

// client talks to one node.
type client struct {
	http    *retryablehttp.Client
	baseURL string
}

func newClient(cfg *Config) *client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = 50 * time.Millisecond
	c.RetryWaitMax = 500 * time.Millisecond
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil
	// 429 is an answer, not a transport fault.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &client{http: c, baseURL: cfg.BaseURL}
}

func (c *client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *client) health(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, status)
	}
	return nil
}

func (c *client) submit(ctx context.Context, f Frame) (int, error) {
	status, _, err := c.do(ctx, http.MethodPost, "/detections", f)
	return status, err
}

func (c *client) connectivity(ctx context.Context, online bool) (bool, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/connectivity", map[string]bool{"online": online})
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("%w: connectivity %d", ErrUnexpectedAck, status)
	}
	return gjson.GetBytes(body, "sync_triggered").Bool(), nil
}

func (c *client) stats(ctx context.Context) (nodeStats, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return nodeStats{}, err
	}
	if status != http.StatusOK {
		return nodeStats{}, fmt.Errorf("%w: stats %d", ErrUnexpectedAck, status)
	}
	r := gjson.ParseBytes(body)
	return nodeStats{
		TotalLogs:      int(r.Get("total_logs").Int()),
		PendingLogs:    int(r.Get("pending_logs").Int()),
		IntelSummaries: int(r.Get("intel_summaries").Int()),
		SyncRunning:    r.Get("sync.running").Bool(),
	}, nil
}
