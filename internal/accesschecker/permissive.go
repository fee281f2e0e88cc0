package accesschecker

import (
	"context"

	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/request"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
	"github.com/google/fhir-gateway-proxy/internal/verifier"
)

func init() {
	Register("permissive", newPermissiveChecker)
}

// permissiveChecker grants every request unconditionally. It is the one
// checker whose factory never looks at the token's claims; a verified token
// is still required to reach the checker stage at all, since the pipeline
// validates the token before invoking any checker.
type permissiveChecker struct{}

func newPermissiveChecker(_ *verifier.DecodedToken, _ upstream.Client, _ *patientfinder.Finder) (Checker, error) {
	return permissiveChecker{}, nil
}

func (permissiveChecker) Check(_ context.Context, _ *request.Reader) (Decision, *gatewayerr.Error) {
	return Granted(), nil
}
