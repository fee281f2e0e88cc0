package fhir

import "fmt"

// DeniedOutcome creates a 403-style OperationOutcome for a request the
// access-checker framework rejected. reason is surfaced verbatim in
// diagnostics — callers should keep it free of upstream response bodies or
// other data the requester is not authorized to see.
func DeniedOutcome(reason string) *OperationOutcome {
	return NewOperationOutcome("error", "forbidden", reason)
}

// UnauthenticatedOutcome creates a 401-style OperationOutcome for a request
// whose bearer token failed verification.
func UnauthenticatedOutcome(reason string) *OperationOutcome {
	return NewOperationOutcome("error", "login", reason)
}

// ProtocolOutcome creates a 400-style OperationOutcome for a request that
// violates the FHIR wire protocol the gateway enforces: malformed JSON, an
// unparseable transaction Bundle, a join/chained search parameter, or a JSON
// Patch operation outside the patient compartment.
func ProtocolOutcome(reason string) *OperationOutcome {
	return NewOperationOutcome("error", "invalid", reason)
}

// UpstreamUnavailableOutcome creates a 502-style OperationOutcome for a
// request the gateway could not relay because the upstream FHIR store was
// unreachable.
func UpstreamUnavailableOutcome(upstreamErr error) *OperationOutcome {
	return NewOperationOutcome("error", "transient", fmt.Sprintf("upstream FHIR store unreachable: %v", upstreamErr))
}

// UpstreamTimeoutOutcome creates a 504-style OperationOutcome for a request
// that exceeded the gateway's upstream timeout budget.
func UpstreamTimeoutOutcome() *OperationOutcome {
	return NewOperationOutcome("error", "timeout", "upstream FHIR store did not respond in time")
}

// ConfigInvalidOutcome creates an OperationOutcome describing a startup
// configuration error. It is used by validate-config and is never returned
// over the wire, since a misconfigured gateway refuses to start serving.
func ConfigInvalidOutcome(reason string) *OperationOutcome {
	return NewOperationOutcome("fatal", "exception", reason)
}
