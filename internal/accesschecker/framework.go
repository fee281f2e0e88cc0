// Package accesschecker implements the Access-Checker Framework of
// SPEC_FULL.md §4.5: a pluggable registry of checkers, each constructed once
// per request's decoded token and consulted for a single AccessDecision.
// Grounded on the teacher's internal/platform/auth/abac.go ABACEngine
// pattern — a policy object built once, an Evaluate-style call per request,
// a decision the pipeline then acts on — generalized from roles/consent
// resources to SMART scopes and patient compartments.
package accesschecker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/request"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
	"github.com/google/fhir-gateway-proxy/internal/verifier"
)

// Mutation describes query parameters an AccessDecision wants applied to the
// outbound request before it is forwarded.
type Mutation struct {
	AddParams    url.Values
	RemoveParams []string
}

// PostProcessor runs against a 2xx upstream response before it is streamed
// back to the client. It returns a replacement body, or nil to pass the
// original body through unchanged. It may also issue auxiliary upstream
// calls (e.g. the Patient-List Checker's List append).
type PostProcessor func(ctx context.Context, r *request.Reader, resp *upstream.Response, body []byte) ([]byte, error)

// Decision is the AccessDecision of §3: either Denied, or Granted with an
// optional Mutation and PostProcessor.
type Decision struct {
	Granted       bool
	Mutation      *Mutation
	PostProcessor PostProcessor
}

// Denied is the zero-value decision.
func Denied() Decision { return Decision{} }

// Granted builds an unconditional grant with no mutation or post-processing.
func Granted() Decision { return Decision{Granted: true} }

// Checker is implemented by the Patient-Scope, Patient-List, Permissive and
// Capability strategies. The Allowed-Queries checker does not implement it;
// the pipeline calls its Match method directly.
type Checker interface {
	Check(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error)
}

// Factory constructs a Checker from the per-request verified token, the
// upstream client (needed by checkers that make auxiliary lookups, e.g.
// Patient-List), and the shared Patient Finder.
type Factory func(token *verifier.DecodedToken, client upstream.Client, finder *patientfinder.Finder) (Checker, error)

var registry = map[string]Factory{}

// Register adds a named factory to the registry. Called from each built-in
// checker's init(), per §9's "explicit registry at process init" design
// note — no reflection-based plugin discovery.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	f, ok := registry[name]
	return f, ok
}

// New constructs the named checker, returning an error if the name was never
// registered or if the factory itself fails.
func New(name string, token *verifier.DecodedToken, client upstream.Client, finder *patientfinder.Finder) (Checker, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unregistered access checker %q", name)
	}
	return factory(token, client, finder)
}
