// Package telemetryrpc is the gRPC contract between firewatch-agent and
// firewatch-server. Messages are plain Go structs carried by a JSON codec, so
// agent and server share one definition without generated code.
package telemetryrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/firewatch/firewatch/pkg/types"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "firewatch.v1.TelemetryService"

	// SendMethod is the full method name used by interceptors.
	SendMethod = "/" + ServiceName + "/Send"

	// CodecName is the content-subtype both sides negotiate.
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SendRequest carries a batch of events from one agent.
type SendRequest struct {
	Events []types.TelemetryEvent `json:"events"`
}

// SendResponse reports how many events of the batch were queued.
type SendResponse struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Message  string `json:"message,omitempty"`
}

// TelemetryServiceServer is implemented by the server-side receiver.
type TelemetryServiceServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
}

// RegisterTelemetryServiceServer registers srv on s.
func RegisterTelemetryServiceServer(s grpc.ServiceRegistrar, srv TelemetryServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes TelemetryService for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "firewatch/v1/telemetry",
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServiceServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TelemetryServiceServer).Send(ctx, req.(*SendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls TelemetryService over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Send delivers one batch.
func (c *Client) Send(ctx context.Context, in *SendRequest, opts ...grpc.CallOption) (*SendResponse, error) {
	out := new(SendResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, SendMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }
