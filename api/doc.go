// Package api holds the HTTP surface of the Avatar-EDU memory service.
//
// # API Overview
//
// The service exposes a JSON API for:
//   - Recording per-session learning insights for the five practice modules
//     (reading, listening, speaking, writing, conversation)
//   - Reading the compressed memory board, per module or in full
//   - Triggering compression manually and streaming compression events
//   - Fetching the memory context string and adaptive reading focus
//   - Practice session lifecycle (start, turns, end)
//   - Health probes and Prometheus metrics
//
// Every response uses the envelope
//
//	{"success": true, "data": ..., "error": {"code": "...", "message": "..."}, "timestamp": "...", "request_id": "..."}
//
// # Authentication
//
// When JWT auth is enabled, requests carry a bearer token whose user_id claim
// must match the student in the path. API keys (X-API-Key) are accepted for
// service-to-service calls.
//
// # Base URL
//
//	http://localhost:8080/api/v1
//
// Handlers live in the handlers subpackage.
package api
