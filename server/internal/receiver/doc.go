// Package receiver implements telemetryrpc.TelemetryServiceServer, the gRPC
// endpoint that accepts telemetry batches from firewatch-agent instances.
//
// Receiver.Send rejects an empty batch with codes.InvalidArgument, then
// submits each event to the pipeline. Events that fail envelope validation
// are counted as rejected; the call only fails when nothing was accepted.
// Authentication is enforced upstream by the gRPC server interceptor (see
// package auth). SubmitBatch is shared with the REST telemetry endpoint.
package receiver
