package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/beatdown/internal/domain"
	"github.com/ashureev/beatdown/internal/metrics"
	"github.com/google/uuid"
)

const (
	transportHTTP = "http"

	// maxErrorBody caps how much of a failed response is kept in StatusError.
	maxErrorBody = 4 << 10
)

// StatusError is returned when the chat endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient posts JSON to the chat endpoint.
type HTTPClient struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ Endpoint = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the endpoint at url.
func NewHTTPClient(url string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Chat sends one request and decodes the reply.
func (c *HTTPClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	start := time.Now()
	reply, err := c.do(ctx, req)
	metrics.ChatRequestDuration.WithLabelValues(transportHTTP).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChatRequestFailures.WithLabelValues(transportHTTP).Inc()
		return nil, err
	}
	return reply, nil
}

func (c *HTTPClient) do(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close chat response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var reply domain.ChatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode chat reply: %w", err)
	}

	c.logger.Debug("Chat reply received",
		"request_id", requestID,
		"thread_id", reply.ThreadID,
		"response_length", len(reply.Response),
	)
	return &reply, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
