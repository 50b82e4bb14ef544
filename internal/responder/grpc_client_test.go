package responder

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type generateFunc func(in *structpb.Struct) (*structpb.Struct, error)

func responderDesc() grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: "shopchat.responder.v1.Responder",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Generate",
			Handler: func(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(generateFunc)(in)
			},
		}},
	}
}

func startBackend(t *testing.T, fn generateFunc) *GrpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	desc := responderDesc()
	srv.RegisterService(&desc, fn)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGrpcClient(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClient_Generate(t *testing.T) {
	var got *structpb.Struct
	client := startBackend(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		got = in
		return structpb.NewStruct(map[string]any{
			"message":    "The Rain Jacket would be perfect for you!",
			"intent":     "product_recommendation",
			"confidence": 0.9,
			"products": []any{
				map[string]any{"id": "p1", "title": "Rain Jacket", "price": "89.00", "available": true},
			},
		})
	})

	reply, err := client.Generate(context.Background(), Request{
		SessionID: "s1",
		StoreID:   "store-1",
		Text:      "I need a jacket",
		History:   []Turn{{Sender: "customer", Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "The Rain Jacket would be perfect for you!", reply.Text)
	assert.Equal(t, IntentRecommendation, reply.Intent)
	require.NotNil(t, reply.Confidence)
	assert.InDelta(t, 0.9, *reply.Confidence, 1e-9)
	require.Len(t, reply.Products, 1)
	assert.Equal(t, "Rain Jacket", reply.Products[0].Title)
	assert.True(t, reply.Products[0].Available)
	assert.False(t, reply.NeedsAgent)

	require.NotNil(t, got)
	assert.Equal(t, "I need a jacket", got.GetFields()["message"].GetStringValue())
	assert.Len(t, got.GetFields()["history"].GetListValue().GetValues(), 1)

	assert.NoError(t, client.Health(context.Background()))
}

func TestGrpcClient_Errors(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	client := startBackend(t, func(*structpb.Struct) (*structpb.Struct, error) {
		if fail.Load() {
			return nil, errors.New("model overloaded")
		}
		return structpb.NewStruct(map[string]any{"intent": "general_inquiry"})
	})

	_, err := client.Generate(context.Background(), Request{Text: "hi"})
	assert.ErrorContains(t, err, "model overloaded")

	fail.Store(false)
	_, err = client.Generate(context.Background(), Request{Text: "hi"})
	assert.ErrorIs(t, err, errEmptyReply)
}
