package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the full RPC name served by the responder backend.
// Requests and replies are google.protobuf.Struct messages.
const GenerateMethod = "/shopchat.responder.v1.Responder/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyReply               = errors.New("responder returned an empty reply")
)

// GrpcClient calls an external generative backend over gRPC.
type GrpcClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   20 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the responder backend and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to responder at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint instead of on the first customer message.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("responder at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to responder backend", "address", cfg.Address)
	return &GrpcClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
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

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the backend through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("responder status %s", resp.GetStatus())
	}
	return nil
}

// Generate implements Producer.
func (c *GrpcClient) Generate(ctx context.Context, req Request) (*Reply, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, GenerateMethod, in, out); err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	return decodeReply(out)
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, map[string]any{"sender": t.Sender, "message": t.Text})
	}
	products := make([]any, 0, len(req.Products))
	for _, p := range req.Products {
		products = append(products, map[string]any{
			"id": p.ID, "title": p.Title, "price": p.Price, "url": p.URL, "available": p.Available,
		})
	}
	in, err := structpb.NewStruct(map[string]any{
		"session_id": req.SessionID,
		"store_id":   req.StoreID,
		"store_name": req.StoreName,
		"message":    req.Text,
		"history":    history,
		"products":   products,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	return in, nil
}

func decodeReply(out *structpb.Struct) (*Reply, error) {
	f := out.GetFields()
	reply := &Reply{
		Text:       f["message"].GetStringValue(),
		Intent:     f["intent"].GetStringValue(),
		NeedsAgent: f["needs_agent"].GetBoolValue(),
	}
	if reply.Text == "" {
		return nil, errEmptyReply
	}
	if v, ok := f["confidence"]; ok {
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
			reply.Confidence = confidence(v.GetNumberValue())
		}
	}
	if v, ok := f["products"]; ok && v.GetListValue() != nil {
		raw, err := protojson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("decode products: %w", err)
		}
		if err := json.Unmarshal(raw, &reply.Products); err != nil {
			return nil, fmt.Errorf("decode products: %w", err)
		}
	}
	return reply, nil
}

var _ Producer = (*GrpcClient)(nil)
