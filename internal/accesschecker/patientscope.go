package accesschecker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/fhir-gateway-proxy/internal/bundle"
	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/platform/auth"
	"github.com/google/fhir-gateway-proxy/internal/platform/fhir"
	"github.com/google/fhir-gateway-proxy/internal/request"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
	"github.com/google/fhir-gateway-proxy/internal/verifier"
)

func init() {
	Register("patient", newPatientScopeChecker)
}

// patientScopeChecker is the Patient-Scope Checker of §4.5: a caller may
// only touch resources that reference its own patient_id claim, and only
// to the extent its SMART scopes grant.
type patientScopeChecker struct {
	patientID string
	scopes    *auth.ScopeChecker
	finder    *patientfinder.Finder
}

func newPatientScopeChecker(token *verifier.DecodedToken, _ upstream.Client, finder *patientfinder.Finder) (Checker, error) {
	patientID := token.StringClaim("patient_id")
	if patientID == "" {
		return nil, fmt.Errorf("token has no patient_id claim")
	}
	scopes, err := auth.ParseSMARTScopes(token.StringClaim("scope"))
	if err != nil {
		return nil, fmt.Errorf("parsing token scope claim: %w", err)
	}
	return &patientScopeChecker{
		patientID: patientID,
		scopes:    auth.NewScopeChecker("patient", scopes),
		finder:    finder,
	}, nil
}

// Check dispatches per the uniform pattern of §4.5: a POST of a Bundle to
// the server root is processBundle; everything else dispatches on HTTP verb.
func (c *patientScopeChecker) Check(_ context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	if r.RequestType() == "POST" && r.ResourceName() == "" {
		return c.processBundle(r)
	}

	switch r.RequestType() {
	case "GET", "HEAD":
		return c.processRead(r)
	case "POST":
		return c.processCreate(r)
	case "PUT", "PATCH":
		return c.processUpdate(r)
	case "DELETE":
		return c.processDelete(r)
	default:
		return Denied(), nil
	}
}

// resolveQueryPatient determines the single patient a read/search/delete
// targets: the instance id directly for /Patient/<id>, or the linking
// search-param patient for everything else. ok is false when the request
// does not resolve to exactly one patient.
func (c *patientScopeChecker) resolveQueryPatient(r *request.Reader) (string, bool, *gatewayerr.Error) {
	if r.ResourceName() == "Patient" && r.IsInstanceLevel() {
		return r.ID(), true, nil
	}
	ids, gerr := c.finder.FromQuery(r.ResourceName(), r.Parameters())
	if gerr != nil {
		return "", false, gerr
	}
	if len(ids) != 1 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (c *patientScopeChecker) processRead(r *request.Reader) (Decision, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "" {
		return Denied(), nil
	}
	patientID, ok, gerr := c.resolveQueryPatient(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok || patientID != c.patientID {
		return Denied(), nil
	}
	perm := auth.MethodPermission(r.RequestType(), r.IsInstanceLevel())
	if !c.scopes.Allows(resourceType, perm) {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientScopeChecker) processCreate(r *request.Reader) (Decision, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "Patient" {
		return Denied(), nil
	}
	body, gerr := decodeJSONBody(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	ids, err := c.finder.FromBody(resourceType, body)
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to extract patient references from request body", err)
	}
	if !containsString(ids, c.patientID) {
		return Denied(), nil
	}
	if !c.scopes.Allows(resourceType, auth.Create) {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientScopeChecker) processUpdate(r *request.Reader) (Decision, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "Patient" {
		if r.ID() != c.patientID {
			return Denied(), nil
		}
		if !c.scopes.Allows("Patient", auth.Update) {
			return Denied(), nil
		}
		return Granted(), nil
	}

	if r.RequestType() == "PATCH" {
		return c.processPatchUpdate(r, resourceType)
	}

	body, gerr := decodeJSONBody(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	bodyIDs, err := c.finder.FromBody(resourceType, body)
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to extract patient references from request body", err)
	}
	urlPatient, ok, gerr := c.resolveQueryPatient(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok || urlPatient != c.patientID {
		return Denied(), nil
	}
	if !containsString(bodyIDs, c.patientID) {
		return Denied(), nil
	}
	if !c.scopes.Allows(resourceType, auth.Update) {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientScopeChecker) processPatchUpdate(r *request.Reader, resourceType string) (Decision, *gatewayerr.Error) {
	raw, err := r.LoadRequestContents()
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to read request body", err)
	}
	ops, err := fhir.ParseJSONPatch(raw)
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid JSON Patch document", err)
	}
	bodyIDs, gerr := c.finder.FromPatch(resourceType, ops)
	if gerr != nil {
		return Decision{}, gerr
	}
	if len(bodyIDs) == 0 {
		// Empty patient-compartment changes short-circuit to granted: the
		// patch touches no patient-linking field, so there is nothing this
		// checker is positioned to deny.
		return Granted(), nil
	}
	urlPatient, ok, gerr := c.resolveQueryPatient(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok || urlPatient != c.patientID {
		return Denied(), nil
	}
	if !containsString(bodyIDs, c.patientID) {
		return Denied(), nil
	}
	if !c.scopes.Allows(resourceType, auth.Update) {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientScopeChecker) processDelete(r *request.Reader) (Decision, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "Patient" {
		return Denied(), nil
	}
	patientID, ok, gerr := c.resolveQueryPatient(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok || patientID != c.patientID {
		return Denied(), nil
	}
	if !c.scopes.Allows(resourceType, auth.Delete) {
		return Denied(), nil
	}
	return Granted(), nil
}

// processBundle requires every entry of a transaction Bundle to pass the
// same rules independently; a single failing entry denies the whole Bundle.
func (c *patientScopeChecker) processBundle(r *request.Reader) (Decision, *gatewayerr.Error) {
	body, err := r.LoadRequestContents()
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to read request body", err)
	}
	entries, gerr := bundle.Decompose(body, c.finder)
	if gerr != nil {
		return Decision{}, gerr
	}
	for _, entry := range entries {
		if !c.entryGranted(entry) {
			return Denied(), nil
		}
	}
	return Granted(), nil
}

func (c *patientScopeChecker) entryGranted(entry bundle.Entry) bool {
	switch {
	case entry.IsPatientCreate:
		return false
	case entry.IsPatientUpdate:
		return entry.PatientID == c.patientID && c.scopes.Allows("Patient", auth.Update)
	case entry.IsPatientDelete:
		return false
	}

	if entry.ResourceType == "Patient" {
		return len(entry.ReferencedPatients) == 1 &&
			entry.ReferencedPatients[0] == c.patientID &&
			c.scopes.Allows("Patient", auth.MethodPermission(entry.Method, true))
	}

	switch entry.Method {
	case "POST":
		return containsString(entry.ReferencedPatients, c.patientID) && c.scopes.Allows(entry.ResourceType, auth.Create)
	case "PUT":
		return containsString(entry.ReferencedPatients, c.patientID) && c.scopes.Allows(entry.ResourceType, auth.Update)
	case "PATCH":
		if len(entry.ReferencedPatients) == 0 {
			return true
		}
		return containsString(entry.ReferencedPatients, c.patientID) && c.scopes.Allows(entry.ResourceType, auth.Update)
	case "DELETE":
		return len(entry.ReferencedPatients) == 1 && entry.ReferencedPatients[0] == c.patientID &&
			c.scopes.Allows(entry.ResourceType, auth.Delete)
	default:
		return len(entry.ReferencedPatients) == 1 && entry.ReferencedPatients[0] == c.patientID &&
			c.scopes.Allows(entry.ResourceType, auth.MethodPermission(entry.Method, entry.IsInstanceLevel))
	}
}

func decodeJSONBody(r *request.Reader) (map[string]interface{}, *gatewayerr.Error) {
	raw, err := r.LoadRequestContents()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to read request body", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid JSON request body", err)
	}
	return body, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
