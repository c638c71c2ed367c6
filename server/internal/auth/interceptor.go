package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/firewatch/firewatch/server/internal/config"
)

// QueryParam is the URL parameter accepted as an alternative to the header.
const QueryParam = "api_key"

// Checker validates API keys for both transports.
type Checker struct {
	header string
	key    string
}

// New creates a Checker. Authentication is disabled unless cfg.Mode is
// "apikey" and the key environment variable is set.
func New(cfg config.AuthConfig) *Checker {
	c := &Checker{header: strings.ToLower(cfg.EffectiveHeader())}
	if cfg.Mode == "apikey" {
		c.key = cfg.Key()
	}
	return c
}

// Enabled reports whether keys are being checked.
func (c *Checker) Enabled() bool { return c.key != "" }

func (c *Checker) valid(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(c.key)) == 1
}

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that reads the key
// from the configured metadata header.
func (c *Checker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !c.Enabled() {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get(c.header)
		if len(vals) == 0 || !c.valid(vals[0]) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}

		return handler(ctx, req)
	}
}

// Middleware rejects HTTP requests without a valid key. Paths listed in open
// are served without a key.
func (c *Checker) Middleware(next http.Handler, open ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Enabled() || isOpen(r.URL.Path, open) {
			next.ServeHTTP(w, r)
			return
		}

		got := r.Header.Get(c.header)
		if got == "" {
			got = r.URL.Query().Get(QueryParam)
		}
		if !c.valid(got) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isOpen(path string, open []string) bool {
	for _, p := range open {
		if path == p {
			return true
		}
	}
	return false
}
