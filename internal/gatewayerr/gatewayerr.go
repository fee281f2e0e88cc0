// Package gatewayerr models the proxy's error taxonomy as one error type
// carrying a Kind, rather than a Go type per kind, matching the single-
// constructor-family style the fhir package uses for OperationOutcome.
package gatewayerr

import (
	"fmt"
	"net/http"
)

// Kind identifies which branch of the gateway's error taxonomy an Error
// belongs to. Each kind maps to a fixed wire status code.
type Kind string

const (
	// AuthUnauthenticated is a missing, malformed, or unverifiable bearer
	// token. Never retried.
	AuthUnauthenticated Kind = "auth_unauthenticated"
	// AuthForbidden is a token that verified fine but whose access-checker
	// decision denied the request.
	AuthForbidden Kind = "auth_forbidden"
	// ProtocolInvalid is a request that violates the FHIR wire protocol the
	// gateway enforces: malformed JSON, an unparseable transaction Bundle, a
	// chained/join search parameter, or a JSON Patch op outside the patient
	// compartment.
	ProtocolInvalid Kind = "protocol_invalid"
	// UpstreamUnreachable is a relay failure because the upstream FHIR store
	// could not be dialed or its connection was reset.
	UpstreamUnreachable Kind = "upstream_unreachable"
	// UpstreamTimeout is a relay failure because the upstream did not
	// respond inside the configured timeout budget.
	UpstreamTimeout Kind = "upstream_timeout"
	// PostProcessFailure is an error in the response post-processing step
	// (e.g. rewriting a CapabilityStatement). It is logged only — the
	// upstream's response is still relayed verbatim.
	PostProcessFailure Kind = "post_process_failure"
	// ConfigInvalid is a startup configuration error. Fatal: the process
	// refuses to start serving rather than run with a guess.
	ConfigInvalid Kind = "config_invalid"
)

// Error is the gateway's single error type. Status() maps Kind to the HTTP
// status the pipeline writes back to the client; Unwrap() exposes the
// wrapped cause for errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an underlying cause.
// Message should describe what the gateway was doing when cause occurred,
// not restate cause's own text.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code the pipeline should write for this
// error's Kind. ConfigInvalid and PostProcessFailure never reach the wire
// (the former is fatal at startup, the latter is logged only) but still
// report a status for completeness and for validate-config's diagnostics.
func (e *Error) Status() int {
	switch e.Kind {
	case AuthUnauthenticated:
		return http.StatusUnauthorized
	case AuthForbidden:
		return http.StatusForbidden
	case ProtocolInvalid:
		return http.StatusBadRequest
	case UpstreamUnreachable:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case PostProcessFailure:
		return http.StatusOK
	case ConfigInvalid:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Is supports errors.Is(err, gatewayerr.New(kind, "")) by comparing Kind
// only, so callers can test "is this an AuthForbidden" without needing the
// exact Message or cause to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
