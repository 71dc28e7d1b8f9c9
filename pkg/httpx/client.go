package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reims/pkg/recerr"
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

// APIError is a non-2xx answer from the reconciler API.
type APIError struct {
	Status    int
	Reason    recerr.Reason
	Message   string
	SessionID string
}

func (e *APIError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%d %s (session %s): %s", e.Status, e.Reason, e.SessionID, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Reason, e.Message)
}

// Client talks to a running reconciler.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
	Token      string
}

// Do sends in (when non-nil) as JSON and decodes a 2xx body into out.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return recerr.Mark(err, recerr.ErrInvalidInput, "encode request")
		}
		body = b
	}
	// Non-idempotent calls are never retried.
	retries := c.Retries
	if method != http.MethodGet {
		retries = 0
	}
	var headers map[string]string
	if c.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + c.Token}
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	status, respBody, err := RequestJSON(ctx, c.HTTP, method, url, body, headers, retries, c.RetryDelay)
	if err != nil {
		return recerr.Wrap(err, method+" "+path)
	}
	if status >= 300 {
		var eb ErrorBody
		_ = json.Unmarshal(respBody, &eb)
		if eb.Error == "" {
			eb.Error = strings.TrimSpace(string(respBody))
		}
		return &APIError{Status: status, Reason: recerr.Reason(eb.Reason), Message: eb.Error, SessionID: eb.SessionID}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return recerr.Wrap(err, "decode response")
	}
	return nil
}
