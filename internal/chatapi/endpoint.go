// Package chatapi implements transports to the external chat endpoint.
package chatapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ashureev/beatdown/internal/domain"
)

// DefaultPath is the chat endpoint path used when a base URL has no path.
const DefaultPath = "/api/beatdown-chat"

// Endpoint is a chat transport with resources to release.
type Endpoint interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error)
	Close() error
}

// Options configures New.
type Options struct {
	// URL selects the transport: http(s):// for JSON over HTTP, grpc:// for gRPC.
	URL string
	// Timeout bounds one round-trip. Zero means no timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// New builds the transport selected by the URL scheme.
func New(opts Options) (Endpoint, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse chat endpoint url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		if u.Path == "" || u.Path == "/" {
			u.Path = DefaultPath
		}
		return NewHTTPClient(u.String(), opts.Timeout, opts.Logger), nil
	case "grpc":
		c, err := NewGRPCClient(u.Host, opts.Timeout, opts.Logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported chat endpoint scheme %q", u.Scheme)
	}
}

// withTimeout applies d to ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
