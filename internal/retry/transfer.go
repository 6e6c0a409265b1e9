package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"docsync/internal/logging"
)

// StatusError is returned when a transfer ends with an unexpected status.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("signed URL %s failed with status %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("signed URL %s failed with status %d: %s", e.Method, e.StatusCode, e.Body)
}

// HTTPClient retries requests that fail with network errors or retryable
// status codes.
type HTTPClient struct {
	client *http.Client
	config Config
}

func NewHTTPClient(timeout time.Duration, config Config) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
		config: config,
	}
}

// Do sends req until it gets a non-retryable response or retries run out.
// The body is buffered so that it can be replayed. When retries run out on a
// retryable status the last response is returned along with the error.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	var lastErr error
	var lastResp *http.Response
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.CalculateDelay(attempt-1, retryAfterOf(lastResp))
			logging.Debugf("Retry attempt %d/%d after %v for %s %s",
				attempt, c.config.MaxRetries, delay, req.Method, req.URL.Path)

			timer := time.NewTimer(delay)
			select {
			case <-req.Context().Done():
				timer.Stop()
				drain(lastResp)
				return nil, req.Context().Err()
			case <-timer.C:
			}
			drain(lastResp)
		}

		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			lastResp = nil
			continue
		}
		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		lastResp = resp
	}

	if lastResp != nil {
		return lastResp, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Get downloads url and expects 200.
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, url, headers, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Put uploads data to url and expects 200 or 201.
func (c *HTTPClient) Put(ctx context.Context, url string, headers map[string]string, data []byte) error {
	resp, err := c.send(ctx, http.MethodPut, url, headers, data, http.StatusOK, http.StatusCreated)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *HTTPClient) send(ctx context.Context, method, url string, headers map[string]string, data []byte, ok ...int) (*http.Response, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if resp != nil && !slices.Contains(ok, resp.StatusCode) {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &StatusError{Method: method, StatusCode: resp.StatusCode, Body: string(msg)}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryAfterOf(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	return ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
