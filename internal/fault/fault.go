// Package fault defines the error taxonomy shared by all Cortex components.
//
// Component boundaries translate infrastructure errors (pgx, HTTP clients,
// provider SDKs) into these kinds; only the cognitive pipeline and the gateway
// translate the kinds into user-visible frames and status codes. Raw error
// text from the backend or identity provider is never forwarded verbatim.
package fault

import (
	"errors"
	"net/http"
)

// Sentinel errors, one per taxonomy kind. Wrap them with fmt.Errorf("%w")
// to attach component context; match with errors.Is.
var (
	// ErrUnauthenticated — missing or invalid token. Surfaces as 401.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden — the principal lacks a required authorization predicate.
	// Surfaces as 403 with the action name.
	ErrForbidden = errors.New("forbidden")

	// ErrTenantUnknown — host resolves to no tenant. Callers fall back to the
	// consumer profile; this kind is never surfaced to clients.
	ErrTenantUnknown = errors.New("tenant unknown")

	// ErrNotFound — a referenced entity does not exist. Surfaces as 404.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable — transient storage failure, retryable with caps.
	// Surfaces as 503 on retry exhaustion.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendConflict — constraint violation. Never retried. Surfaces as 409.
	ErrBackendConflict = errors.New("backend conflict")

	// ErrBackendMisconfigured — missing index or schema mismatch. Fatal at startup.
	ErrBackendMisconfigured = errors.New("backend misconfigured")

	// ErrEmbedderUnavailable — embedding service unreachable after bounded
	// retry. Degrades retrieval to keyword-only; never fatal per query.
	ErrEmbedderUnavailable = errors.New("embedder unavailable")

	// ErrRetrievalFailed — both retrieval lanes failed.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrProviderUnavailable — the LLM cannot be reached before the first token.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrQueryCanceled — the client disconnected or sent an explicit cancel.
	ErrQueryCanceled = errors.New("query canceled")

	// ErrInternal — programmer error. Logged with stack context, surfaced as a
	// generic 500.
	ErrInternal = errors.New("internal error")
)

// Code returns the stable wire code for err's taxonomy kind. Unrecognised
// errors map to "internal_error".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrBackendConflict):
		return "conflict"
	case errors.Is(err, ErrEmbedderUnavailable):
		return "embedder_unavailable"
	case errors.Is(err, ErrRetrievalFailed):
		return "retrieval_failed"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrQueryCanceled):
		return "canceled"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err's taxonomy kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBackendConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
