// Package api implements the HTTP REST API for firewatch-server.
//
// New(deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health                   open counts per severity, source count
//	GET  /api/v1/alerts                   listAlerts; ?severity= &state= &kind= &source= &limit=
//	GET  /api/v1/alerts/{id}              single alert; 404 if unknown
//	GET  /api/v1/alerts/count             active alerts; ?severity=
//	POST /api/v1/alerts/{id}/acknowledge  404 if unknown, 409 if not active
//	POST /api/v1/alerts/{id}/dismiss      404 if unknown, 409 if already dismissed
//	POST /api/v1/telemetry                one event or {"events": [...]}; 202 with counts
//	GET  /api/v1/notify/status            state of each email/SMS channel
//	POST /api/v1/notify/{channel}/test    test message; optional {"to": "..."}
//
// All endpoints respond with Content-Type: application/json and return 405
// for the wrong method. Reads go straight to the alert store; transitions go
// through the lifecycle manager. No external HTTP framework is used.
package api
