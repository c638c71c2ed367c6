package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/firewatch/firewatch/pkg/telemetryrpc"
	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

// Submitter queues one event for processing. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ev types.TelemetryEvent) error
}

// Receiver implements telemetryrpc.TelemetryServiceServer.
// It validates each incoming event and hands it to the pipeline.
type Receiver struct {
	sink      Submitter
	transport string
}

// New creates a Receiver that submits accepted events to sink.
func New(sink Submitter) *Receiver {
	return &Receiver{sink: sink, transport: "grpc"}
}

// Send is the unary RPC handler called by firewatch-agent instances.
// Authentication is enforced by the gRPC server interceptor before this is called.
func (r *Receiver) Send(ctx context.Context, req *telemetryrpc.SendRequest) (*telemetryrpc.SendResponse, error) {
	if len(req.Events) == 0 {
		return nil, status.Error(codes.InvalidArgument, "events is required")
	}

	res := SubmitBatch(r.sink, r.transport, req.Events)
	if res.Accepted == 0 {
		return nil, status.Error(codes.InvalidArgument, res.Message)
	}

	slog.Debug("receiver: batch accepted",
		"accepted", res.Accepted,
		"rejected", res.Rejected,
		"first_source", req.Events[0].SourceID,
	)
	return res, nil
}

// SubmitBatch submits every event and reports the counts. One bad event does
// not affect the others. Message carries the first rejection reason.
func SubmitBatch(sink Submitter, transport string, events []types.TelemetryEvent) *telemetryrpc.SendResponse {
	res := &telemetryrpc.SendResponse{}
	for i, ev := range events {
		if err := sink.Submit(ev); err != nil {
			res.Rejected++
			metrics.TelemetryEventsTotal.WithLabelValues(transport, "rejected").Inc()
			if res.Message == "" {
				res.Message = fmt.Sprintf("events[%d]: %v", i, err)
			}
			slog.Warn("receiver: event rejected",
				"transport", transport,
				"index", i,
				"source_id", ev.SourceID,
				"err", err,
			)
			continue
		}
		res.Accepted++
		metrics.TelemetryEventsTotal.WithLabelValues(transport, "accepted").Inc()
	}
	return res
}
