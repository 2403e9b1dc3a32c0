package connectors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody: ответ платного сервиса целиком держим в памяти.
const maxResponseBody = 10 << 20

// Request: вызов платного сервиса.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response: ответ платного сервиса.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK: успешный исход для расчета (commit).
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Executor: исполнитель вызова к платному сервису.
type Executor interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPConnector ходит в платный сервис по HTTP.
type HTTPConnector struct {
	client *http.Client
}

func NewHTTPConnector(client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPConnector{client: client}
}

// Do возвращает ThrottleError для 429/503 с Retry-After, UpstreamError для прочих 5xx.
// 4xx: это ответ, а не ошибка: повтор не поможет.
func (c *HTTPConnector) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return nil, &ThrottleError{RetryAfter: d, Cause: &UpstreamError{Status: resp.StatusCode}}
		}
	}
	if resp.StatusCode >= 500 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}
