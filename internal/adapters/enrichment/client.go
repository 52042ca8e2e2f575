package enrichment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/okian/aegis/pkg/logger"
)

const maxResponseBytes = 1 << 20

// NewRetryClient builds the shared HTTP client for remote calls. Per-call
// deadlines come from the request context.
func NewRetryClient(retryMax int, log logger.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = leveled{log: log}
	return c
}

// do sends req and returns the body of a 2xx response.
func do(c *retryablehttp.Client, req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRemoteStatus, resp.StatusCode)
	}
	return body, nil
}

// leveled adapts logger.Logger to retryablehttp.LeveledLogger.
type leveled struct {
	log logger.Logger
}

func (l leveled) Error(msg string, kv ...interface{}) {
	l.log.Error(context.Background(), msg, fields(kv)...)
}

func (l leveled) Info(msg string, kv ...interface{}) {
	l.log.Debug(context.Background(), msg, fields(kv)...)
}

func (l leveled) Debug(msg string, kv ...interface{}) {
	l.log.Debug(context.Background(), msg, fields(kv)...)
}

func (l leveled) Warn(msg string, kv ...interface{}) {
	l.log.Warn(context.Background(), msg, fields(kv)...)
}

func fields(kv []interface{}) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, logger.Any(key, kv[i+1]))
	}
	return out
}
