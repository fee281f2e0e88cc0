package accesschecker

import (
	"context"
	"encoding/json"

	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/platform/fhir"
	"github.com/google/fhir-gateway-proxy/internal/request"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
)

// CapabilityChecker is the special decision §4.5/§4.7 produce for
// GET /metadata: it is never looked up by name (the pipeline recognizes the
// path directly, per step 4), grants unconditionally, and post-processes the
// upstream CapabilityStatement through the shared fhir.CapabilityPostProcessor.
type CapabilityChecker struct {
	processor *fhir.CapabilityPostProcessor
}

// NewCapabilityChecker wraps a configured post-processor.
func NewCapabilityChecker(processor *fhir.CapabilityPostProcessor) *CapabilityChecker {
	return &CapabilityChecker{processor: processor}
}

func (c *CapabilityChecker) Check(_ context.Context, _ *request.Reader) (Decision, *gatewayerr.Error) {
	return Decision{Granted: true, PostProcessor: c.annotate}, nil
}

// annotate rewrites the upstream CapabilityStatement's security block. If
// the upstream body does not decode as a CapabilityStatement, it is passed
// through unchanged rather than treated as an error.
func (c *CapabilityChecker) annotate(_ context.Context, _ *request.Reader, _ *upstream.Response, body []byte) ([]byte, error) {
	var statement map[string]interface{}
	if err := json.Unmarshal(body, &statement); err != nil {
		return nil, nil
	}
	if rt, _ := statement["resourceType"].(string); rt != "CapabilityStatement" {
		return nil, nil
	}

	processed := c.processor.Process(statement)
	out, err := json.Marshal(processed)
	if err != nil {
		return nil, err
	}
	return out, nil
}
