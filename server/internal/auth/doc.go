// Package auth provides API key authentication for firewatch-server.
//
// New(cfg) builds a Checker from the server auth config. Its
// UnaryInterceptor guards the gRPC telemetry endpoint and its Middleware
// guards the REST API and WebSocket stream. The HTTP side also accepts the
// key in the api_key query parameter, since browsers cannot set headers on
// WebSocket upgrades.
//
// When mode is not "apikey" or the key is empty, every call passes through
// (useful for local development with auth disabled). A missing or incorrect
// key yields codes.Unauthenticated or HTTP 401.
package auth
