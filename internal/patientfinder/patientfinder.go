// Package patientfinder answers the three single-request questions of
// SPEC_FULL.md §4.3's Patient Finder: which patient a read/search targets,
// which patients a write body references, and which patients a JSON Patch
// would write into a patient-compartment path. Bundle decomposition (§4.3
// item 4 / §4.6) is built on top of this package by internal/bundle.
//
// Grounded on internal/platform/fhir's compartment map, patch helpers and
// FhirPath engine — this package is the consumer that ties them together,
// the way the teacher's internal/platform/auth/abac.go ties scope lookups
// and resource metadata together behind one Evaluate call.
package patientfinder

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/platform/fhir"
)

// idSyntax is the FHIR R4 id grammar (§6).
var idSyntax = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,64}$`)

// Finder extracts patient ids from requests against the Patient compartment.
type Finder struct {
	engine *fhir.FHIRPathEngine
}

// New builds a Finder backed by the package-wide PatientCompartment model.
func New() *Finder {
	return &Finder{engine: fhir.NewFHIRPathEngine()}
}

// FromQuery implements item (1): given a read/search request's resource type
// and query parameters, returns the patient id(s) it targets, or nil if none
// of the resource type's linking search parameters are present with exactly
// one value. A request to /Patient resolves via _id, which may be a
// comma-delimited list.
func (f *Finder) FromQuery(resourceType string, params url.Values) ([]string, *gatewayerr.Error) {
	if resourceType == "Patient" {
		raw := params.Get("_id")
		if raw == "" {
			return nil, nil
		}
		var ids []string
		for _, part := range strings.Split(raw, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			if !idSyntax.MatchString(id) {
				return nil, gatewayerr.New(gatewayerr.ProtocolInvalid, "invalid patient id in _id parameter")
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	for _, name := range fhir.PatientCompartment.Resources[resourceType] {
		values := params[name]
		if len(values) != 1 {
			continue
		}
		id := strings.TrimPrefix(values[0], "Patient/")
		if !idSyntax.MatchString(id) {
			continue
		}
		return []string{id}, nil
	}
	return nil, nil
}

// FromBody implements item (2): evaluates the resource type's configured
// FhirPath expressions against a parsed resource body and collects the ids
// of any Patient references found.
func (f *Finder) FromBody(resourceType string, body map[string]interface{}) ([]string, error) {
	paths := fhir.FhirPathsForResourceType(resourceType)
	if len(paths) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, expr := range paths {
		results, err := f.engine.Evaluate(body, expr)
		if err != nil {
			return nil, fmt.Errorf("evaluate fhirpath %q for %s: %w", expr, resourceType, err)
		}
		for _, item := range results {
			for _, id := range patientReferenceIDs(item) {
				if seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// FromPatch implements item (3): walks a JSON Patch document and returns the
// patient ids that would be written into resourceType's compartment-linking
// paths. Per §4.3, only add/replace are honored on a patient-compartment
// path; any other verb targeting such a path is a protocol error, as is a
// non-empty array value there.
func (f *Finder) FromPatch(resourceType string, ops []fhir.PatchOperation) ([]string, *gatewayerr.Error) {
	linkFields := fhir.CompartmentResourceParams(fhir.PatientCompartmentDef(), resourceType)
	if len(linkFields) == 0 {
		return nil, nil
	}

	for _, op := range ops {
		if !touchesCompartmentPath(op.Path, linkFields) {
			continue
		}
		if op.Op != "add" && op.Op != "replace" {
			return nil, gatewayerr.New(gatewayerr.ProtocolInvalid,
				fmt.Sprintf("operation %q not allowed on patient-compartment path %q", op.Op, op.Path))
		}
		if arr, ok := op.Value.([]interface{}); ok && len(arr) > 0 {
			return nil, gatewayerr.New(gatewayerr.ProtocolInvalid,
				fmt.Sprintf("array value not allowed on patient-compartment path %q", op.Path))
		}
	}

	return fhir.PatientIDsInCompartmentOps(ops, resourceType), nil
}

func touchesCompartmentPath(path string, fields []string) bool {
	trimmed := strings.TrimPrefix(path, "/")
	first := trimmed
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		first = trimmed[:idx]
	}
	for _, f := range fields {
		if first == f {
			return true
		}
	}
	return false
}

// patientReferenceIDs extracts the id-part of any Patient reference found in
// an evaluated FhirPath result item, whether it's a Reference object
// ({"reference": "Patient/123"}) or (for participant-style arrays) nested one
// level via a "actor"/"reference" field already flattened by the engine.
func patientReferenceIDs(item interface{}) []string {
	ref, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	reference, _ := ref["reference"].(string)
	id, ok := matchPatientReference(reference)
	if !ok {
		return nil
	}
	return []string{id}
}

var patientReferencePattern = regexp.MustCompile(`^Patient/([A-Za-z0-9.\-]{1,64})$`)

func matchPatientReference(reference string) (string, bool) {
	m := patientReferencePattern.FindStringSubmatch(reference)
	if m == nil {
		return "", false
	}
	return m[1], true
}
