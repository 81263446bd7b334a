package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jianxcao/watch-docker/internal/auth"
	"github.com/jianxcao/watch-docker/internal/coordinator"
	"github.com/jianxcao/watch-docker/internal/version"
)

var (
	// ErrUnauthorized matches HTTP 401 and 403 responses.
	ErrUnauthorized = errors.New("api: unauthorized")

	// ErrUnexpectedBody is returned for empty or non-JSON bodies, such as
	// an HTML error page from a proxy.
	ErrUnexpectedBody = errors.New("api: unexpected response body")
)

// APIError represents an error from the watch-docker API.
type APIError struct {
	StatusCode int
	Code       int // Envelope code; 0 when the body had none
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("watch-docker api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("watch-docker api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Do dispatches a request under key and decodes the envelope data into
// out. out may be nil. GET requests are retried on 5xx and 429.
func (c *Client) Do(ctx context.Context, key coordinator.Key, method, path string, query url.Values, body, out any) error {
	data, err := coordinator.Do(ctx, c.coord, key, func(ctx context.Context) (json.RawMessage, error) {
		if method == http.MethodGet {
			return c.doWithRetry(ctx, method, path, query, body)
		}
		return c.doRequest(ctx, method, path, query, body)
	})
	if err != nil {
		return err
	}

	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// doRequest performs one HTTP request and returns the envelope data.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("_t", strconv.FormatInt(c.now().UnixMilli(), 10))
	fullURL := c.baseURL + path + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	header, err := auth.Header(ctx, c.tokens)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := coordinator.CallID(ctx); ok {
		req.Header.Set("X-Request-ID", id.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       raw,
		}
	}

	var env envelope
	parseErr := decodeEnvelope(raw, &env)

	if resp.StatusCode >= 400 {
		msg := env.Msg
		if parseErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    msg,
			Body:       raw,
		}
	}

	if parseErr != nil {
		return nil, fmt.Errorf("%w: status %d: %v", ErrUnexpectedBody, resp.StatusCode, parseErr)
	}

	if env.Code != 0 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Msg,
			Body:       raw,
		}
	}

	return env.Data, nil
}

func decodeEnvelope(raw []byte, env *envelope) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return errors.New("empty body")
	}
	if trimmed[0] == '<' {
		return errors.New("html body")
	}
	return json.Unmarshal(trimmed, env)
}

// doWithRetry performs a request with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff
			if backoff > 0 {
				jitter = backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			}
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		data, err := c.doRequest(ctx, method, path, query, body)
		if err == nil {
			return data, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
