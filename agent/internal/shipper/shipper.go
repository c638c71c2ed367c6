package shipper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/firewatch/firewatch/agent/internal/config"
	"github.com/firewatch/firewatch/pkg/telemetryrpc"
	"github.com/firewatch/firewatch/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second

	// maxBatch caps the number of events in one Send call.
	maxBatch = 100
)

// Shipper buffers telemetry events and ships them to firewatch-server via gRPC.
// Ship() is non-blocking; when the buffer is full the oldest event is evicted.
// Run() must be called in a goroutine to drain the buffer and handle reconnection.
type Shipper struct {
	cfg    config.AgentConfig
	buf    chan types.TelemetryEvent
	dialFn dialFunc // injectable for tests

	// pending is a batch whose send failed. It goes out before anything in
	// buf so a source's events keep their order. Owned by Run.
	pending []types.TelemetryEvent
}

// dialFunc is the function signature used to open a gRPC connection.
type dialFunc func(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error)

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	return &Shipper{
		cfg:    cfg,
		buf:    make(chan types.TelemetryEvent, size),
		dialFn: defaultDial,
	}
}

// Ship enqueues events. If the buffer is full the oldest entry is evicted to
// make room, so the server always receives the freshest readings.
func (s *Shipper) Ship(events ...types.TelemetryEvent) {
	for _, ev := range events {
		s.enqueue(ev)
	}
}

func (s *Shipper) enqueue(ev types.TelemetryEvent) {
	for {
		select {
		case s.buf <- ev:
			return
		default:
		}
		select {
		case old := <-s.buf:
			slog.Warn("shipper: buffer full, evicted oldest event",
				"source", old.SourceID, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Run drains the buffer, sending batches to the server.
// It reconnects with exponential backoff when the connection is lost.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialFn(ctx, s.cfg.ServerEndpoint, s.cfg)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: dial failed, will retry",
				"endpoint", s.cfg.ServerEndpoint,
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		slog.Info("shipper: connected", "endpoint", s.cfg.ServerEndpoint)
		bo.reset()

		err = s.drain(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect",
			"endpoint", s.cfg.ServerEndpoint,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain reads batches from the buffer and sends them until the connection
// fails or ctx is cancelled.
func (s *Shipper) drain(ctx context.Context, conn *grpc.ClientConn) error {
	client := telemetryrpc.NewClient(conn)

	for {
		batch := s.pending
		s.pending = nil
		if batch == nil {
			var first types.TelemetryEvent
			select {
			case <-ctx.Done():
				return nil
			case first = <-s.buf:
			}
			batch = s.collect(first)
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if s.cfg.ServerAuth.Mode == "apikey" && s.cfg.ServerAuth.KeyEnv != "" {
			sendCtx = metadata.AppendToOutgoingContext(
				sendCtx,
				s.cfg.ServerAuth.EffectiveHeader(), s.cfg.ServerAuth.Key(),
			)
		}
		resp, err := client.Send(sendCtx, &telemetryrpc.SendRequest{Events: batch})
		cancel()

		if err != nil {
			// Transient errors (unavailable, deadline exceeded) → retry the same
			// batch first after reconnecting. The server drops frames it already
			// counted, so a batch it accepted before the error is harmless.
			// Permanent errors (unauthenticated, invalid arg) → log and discard.
			if isPermanentError(err) {
				slog.Error("shipper: permanent send error, discarding batch",
					"events", len(batch), "err", err)
				continue
			}
			s.pending = batch
			return fmt.Errorf("send: %w", err)
		}

		if resp.Rejected > 0 {
			slog.Warn("shipper: server rejected events",
				"accepted", resp.Accepted,
				"rejected", resp.Rejected,
				"message", resp.Message)
		} else {
			slog.Debug("shipper: batch delivered", "events", resp.Accepted)
		}
	}
}

// collect drains up to maxBatch queued events behind first without blocking.
func (s *Shipper) collect(first types.TelemetryEvent) []types.TelemetryEvent {
	batch := []types.TelemetryEvent{first}
	for len(batch) < maxBatch {
		select {
		case ev := <-s.buf:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// isPermanentError returns true for gRPC errors that indicate the batch
// itself is invalid and should not be retried.
func isPermanentError(err error) bool {
	code := status.Code(err)
	switch code {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// defaultDial opens a gRPC connection to endpoint with auth configured from cfg.
func defaultDial(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.DialContext(ctx, endpoint, opts...) //nolint:staticcheck // deprecated in 1.63 but DialContext is used for compat
}

// dialOptions builds grpc.DialOption slice based on the server auth config.
func dialOptions(cfg config.AgentConfig) ([]grpc.DialOption, error) {
	switch cfg.ServerAuth.Mode {
	case "mtls":
		creds, err := buildMTLSCreds(cfg.ServerAuth)
		if err != nil {
			return nil, fmt.Errorf("shipper: build mtls creds: %w", err)
		}
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil

	default: // "apikey" sends the key per call in drain(); "none" is for local dev.
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
