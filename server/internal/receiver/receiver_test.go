package receiver_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/firewatch/firewatch/pkg/telemetryrpc"
	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/auth"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/receiver"
)

var t0 = time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)

// memSink validates and records submitted events.
type memSink struct {
	mu     sync.Mutex
	events []types.TelemetryEvent
}

func (m *memSink) Submit(ev types.TelemetryEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// startServer starts a gRPC server with the given interceptor and returns a
// connected client. Uses a random TCP port.
func startServer(t *testing.T, interceptor grpc.UnaryServerInterceptor) (*telemetryrpc.Client, *memSink) {
	t.Helper()

	sink := &memSink{}
	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	telemetryrpc.RegisterTelemetryServiceServer(srv, receiver.New(sink))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go srv.Serve(lis) //nolint:errcheck

	t.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})

	conn, err := grpc.Dial(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	) //nolint:staticcheck
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return telemetryrpc.NewClient(conn), sink
}

// allowAll is a no-op interceptor that passes every call through.
func allowAll(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}

func apiKeyChecker(t *testing.T) grpc.UnaryServerInterceptor {
	t.Helper()
	t.Setenv("FW_RECEIVER_KEY", "testkey")
	return auth.New(config.AuthConfig{Mode: "apikey", KeyEnv: "FW_RECEIVER_KEY"}).UnaryInterceptor()
}

func TestSend_SubmitsEvents(t *testing.T) {
	client, sink := startServer(t, allowAll)

	resp, err := client.Send(context.Background(), &telemetryrpc.SendRequest{Events: []types.TelemetryEvent{
		types.Scalar("st-1", types.MetricTemperature, 96, t0),
		types.Prediction("cam-1", types.LabelFire, 80, t0),
	}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Accepted != 2 || resp.Rejected != 0 {
		t.Errorf("counts: got accepted=%d rejected=%d, want 2/0", resp.Accepted, resp.Rejected)
	}
	if sink.count() != 2 {
		t.Fatalf("submitted: got %d, want 2", sink.count())
	}
	ev := sink.events[0]
	if ev.Value == nil || *ev.Value != 96 {
		t.Errorf("value: got %v, want 96", ev.Value)
	}
	if !ev.ObservedAt.Equal(t0) {
		t.Errorf("observed_at: got %v, want %v", ev.ObservedAt, t0)
	}
	if sink.events[1].Label != types.LabelFire {
		t.Errorf("label: got %q, want Fire", sink.events[1].Label)
	}
}

func TestSend_EmptyBatch_InvalidArgument(t *testing.T) {
	client, _ := startServer(t, allowAll)

	_, err := client.Send(context.Background(), &telemetryrpc.SendRequest{})
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("code: got %v, want InvalidArgument", code)
	}
}

func TestSend_PartialBatch_ReportsRejected(t *testing.T) {
	client, sink := startServer(t, allowAll)

	resp, err := client.Send(context.Background(), &telemetryrpc.SendRequest{Events: []types.TelemetryEvent{
		types.Scalar("st-1", types.MetricHumidity, 40, t0),
		{Kind: types.KindScalar, Metric: types.MetricHumidity, ObservedAt: t0}, // no source_id
	}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("counts: got accepted=%d rejected=%d, want 1/1", resp.Accepted, resp.Rejected)
	}
	if resp.Message == "" {
		t.Error("message: want first rejection reason, got empty")
	}
	if sink.count() != 1 {
		t.Errorf("submitted: got %d, want 1", sink.count())
	}
}

func TestSend_AllRejected_InvalidArgument(t *testing.T) {
	client, _ := startServer(t, allowAll)

	_, err := client.Send(context.Background(), &telemetryrpc.SendRequest{Events: []types.TelemetryEvent{
		{SourceID: "st-1", ObservedAt: t0}, // no kind
	}})
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("code: got %v, want InvalidArgument", code)
	}
}

func TestSend_WithAPIKey_CorrectKey_Passes(t *testing.T) {
	client, sink := startServer(t, apiKeyChecker(t))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "testkey")
	_, err := client.Send(ctx, &telemetryrpc.SendRequest{Events: []types.TelemetryEvent{
		types.Scalar("st-1", types.MetricTemperature, 20, t0),
	}})
	if err != nil {
		t.Fatalf("Send with correct key: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("submitted: got %d, want 1", sink.count())
	}
}

func TestSend_WithAPIKey_WrongKey_Rejected(t *testing.T) {
	client, sink := startServer(t, apiKeyChecker(t))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "wrongkey")
	_, err := client.Send(ctx, &telemetryrpc.SendRequest{Events: []types.TelemetryEvent{
		types.Scalar("st-1", types.MetricTemperature, 20, t0),
	}})
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("code: got %v, want Unauthenticated", code)
	}
	if sink.count() != 0 {
		t.Errorf("submitted: got %d, want 0", sink.count())
	}
}

func TestSend_WithAPIKey_MissingKey_Rejected(t *testing.T) {
	client, _ := startServer(t, apiKeyChecker(t))

	_, err := client.Send(context.Background(), &telemetryrpc.SendRequest{Events: []types.TelemetryEvent{
		types.Scalar("st-1", types.MetricTemperature, 20, t0),
	}})
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("code: got %v, want Unauthenticated", code)
	}
}
