package fhir

import "errors"

// Typed request failures. Callers can branch on these with errors.Is
// instead of inspecting status codes.
var (
	// ErrRateLimited is returned when the server kept answering 429
	// after all retries were spent.
	ErrRateLimited = errors.New("fhir: rate limited")

	// ErrServerError is returned when the server kept answering 5xx
	// after all retries were spent.
	ErrServerError = errors.New("fhir: server error")

	// ErrAuthFailed is returned when token refresh or an authenticated
	// request failed with 401/403 after all retries were spent.
	ErrAuthFailed = errors.New("fhir: authentication failed")

	// ErrOversizedQuery is returned for HTTP 414. It is never retried;
	// the caller must shrink the query (smaller page size) instead.
	ErrOversizedQuery = errors.New("fhir: query URI too long")
)
