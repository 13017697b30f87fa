package chatapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/beatdown/internal/domain"
	"github.com/ashureev/beatdown/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	transportGRPC = "grpc"

	// ChatSendMethod is the unary method carrying the chat contract as
	// google.protobuf.Struct in both directions.
	ChatSendMethod = "/beatdown.v1.ChatService/Send"

	grpcConnectTimeout   = 5 * time.Second
	grpcKeepaliveTime    = 2 * time.Minute
	grpcKeepaliveTimeout = 10 * time.Second
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCClient calls a chat endpoint exposed over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Endpoint = (*GRPCClient)(nil)

// NewGRPCClient connects to addr and waits until the connection is ready.
func NewGRPCClient(addr string, timeout time.Duration, logger *slog.Logger, extra ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                grpcKeepaliveTime,
			Timeout:             grpcKeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}, extra...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat client for %s: %w", addr, err)
	}

	// Fail fast on a bad endpoint instead of on the first message.
	connectCtx, cancel := context.WithTimeout(context.Background(), grpcConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("chat endpoint at %s not ready: %w", addr, err)
	}

	logger.Info("Connected to chat endpoint", "address", addr, "transport", transportGRPC)
	return &GRPCClient{
		conn:    conn,
		addr:    addr,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Chat sends one request over gRPC.
func (c *GRPCClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	start := time.Now()
	reply, err := c.invoke(ctx, req)
	metrics.ChatRequestDuration.WithLabelValues(transportGRPC).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChatRequestFailures.WithLabelValues(transportGRPC).Inc()
		return nil, err
	}
	return reply, nil
}

func (c *GRPCClient) invoke(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	in, err := requestToStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ChatSendMethod, in, out); err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	return replyFromStruct(out), nil
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// requestToStruct encodes req with the same field names as the JSON contract.
func requestToStruct(req domain.ChatRequest) (*structpb.Struct, error) {
	fields := map[string]any{
		"input":    req.Input,
		"threadId": nil,
	}
	if req.ThreadID != nil {
		fields["threadId"] = *req.ThreadID
	}
	return structpb.NewStruct(fields)
}

// replyFromStruct decodes a reply; missing or non-string fields read as absent.
func replyFromStruct(s *structpb.Struct) *domain.ChatReply {
	fields := s.GetFields()
	return &domain.ChatReply{
		ThreadID: fields["threadId"].GetStringValue(),
		Response: fields["response"].GetStringValue(),
	}
}
