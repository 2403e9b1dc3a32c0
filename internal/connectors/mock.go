package connectors

import (
	"context"
	"sync/atomic"
	"time"
)

// MockConnector: управляемый апстрим для тестов и локального запуска шлюза без сети.
type MockConnector struct {
	Latency time.Duration
	// Handler формирует ответ; nil: 200 с пустым JSON.
	Handler func(req *Request, call int) (*Response, error)

	calls atomic.Int64
}

func (c *MockConnector) Do(ctx context.Context, req *Request) (*Response, error) {
	n := int(c.calls.Add(1))

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
			// Имитация работы
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if c.Handler == nil {
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	}
	return c.Handler(req, n)
}

// Calls: сколько раз вызывали.
func (c *MockConnector) Calls() int {
	return int(c.calls.Load())
}
