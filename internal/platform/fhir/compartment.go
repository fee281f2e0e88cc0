package fhir

// CompartmentDefinition maps resource types that belong to a compartment
// to the search parameter that links them.
type CompartmentDefinition struct {
	// Type is the compartment type (e.g., "Patient").
	Type string
	// Resources maps resource type -> search parameter names that link to this compartment.
	Resources map[string][]string
}

// PatientCompartment defines which resources belong to the Patient compartment
// and their linking search parameters per the FHIR R4 spec.
var PatientCompartment = CompartmentDefinition{
	Type: "Patient",
	Resources: map[string][]string{
		"AllergyIntolerance":       {"patient"},
		"Appointment":              {"patient"},
		"CarePlan":                 {"patient"},
		"CareTeam":                 {"patient"},
		"Claim":                    {"patient"},
		"Communication":           {"patient"},
		"Composition":             {"patient"},
		"Condition":               {"patient"},
		"Consent":                 {"patient"},
		"Coverage":                {"patient"},
		"DiagnosticReport":        {"patient"},
		"DocumentReference":       {"patient"},
		"Encounter":               {"patient"},
		"ImagingStudy":            {"patient"},
		"Medication":              {},
		"MedicationAdministration": {"patient"},
		"MedicationDispense":      {"patient"},
		"MedicationRequest":       {"patient"},
		"Observation":             {"patient"},
		"Procedure":               {"patient"},
		"QuestionnaireResponse":   {"patient"},
		"ResearchStudy":           {},
		"Schedule":                {},
		"ServiceRequest":          {"patient"},
		"Slot":                    {},
		"Specimen":                {"patient"},
	},
}

// GetCompartmentParam returns the search parameter that links a resource type
// to the given compartment. Returns empty string if the resource doesn't belong
// to the compartment or has no linking parameter.
func GetCompartmentParam(compartment *CompartmentDefinition, resourceType string) string {
	params, ok := compartment.Resources[resourceType]
	if !ok || len(params) == 0 {
		return ""
	}
	return params[0]
}

// IsInCompartment checks if a resource type is part of the given compartment.
func IsInCompartment(compartment *CompartmentDefinition, resourceType string) bool {
	_, ok := compartment.Resources[resourceType]
	return ok
}

// PatientCompartmentFhirPaths gives, for each resource type in the Patient
// compartment, the FhirPath expressions that select the reference element(s)
// that might point at a Patient. The Patient Finder falls back to these when
// a resource has no search-parameter-visible patient link in the request
// itself — e.g. on a create, where the only evidence of the patient is
// inside the posted body (§4.3's fhirpath-expression strategy).
//
// Expressions select the candidate Reference structure itself rather than
// asserting its resolved type: the engine evaluates paths and dot-call
// functions, not the bare "expr is Type" grammar, and the proxy never
// fetches the referenced resource to resolve it anyway. The Patient Finder
// decides whether a given Reference's value actually names a Patient by
// checking its "reference" string for a "Patient/" prefix once evaluation
// returns it (§4.3: "collect References whose reference element's type is
// Patient").
var PatientCompartmentFhirPaths = map[string][]string{
	"AllergyIntolerance":       {"AllergyIntolerance.patient"},
	"Appointment":              {"Appointment.participant.actor"},
	"CarePlan":                 {"CarePlan.subject"},
	"CareTeam":                 {"CareTeam.subject"},
	"Claim":                    {"Claim.patient"},
	"Communication":            {"Communication.subject"},
	"Composition":              {"Composition.subject"},
	"Condition":                {"Condition.subject"},
	"Consent":                  {"Consent.patient"},
	"Coverage":                 {"Coverage.beneficiary"},
	"DiagnosticReport":         {"DiagnosticReport.subject"},
	"DocumentReference":        {"DocumentReference.subject"},
	"Encounter":                {"Encounter.subject"},
	"ImagingStudy":             {"ImagingStudy.subject"},
	"MedicationAdministration": {"MedicationAdministration.subject"},
	"MedicationDispense":       {"MedicationDispense.subject"},
	"MedicationRequest":        {"MedicationRequest.subject"},
	"Observation":              {"Observation.subject"},
	"Procedure":                {"Procedure.subject"},
	"QuestionnaireResponse":    {"QuestionnaireResponse.subject"},
	"ServiceRequest":           {"ServiceRequest.subject"},
	"Specimen":                 {"Specimen.subject"},
}

// FhirPathsForResourceType returns the FhirPath expressions used to locate a
// Patient reference inside a resource body of the given type, or nil if the
// resource type isn't registered.
func FhirPathsForResourceType(resourceType string) []string {
	return PatientCompartmentFhirPaths[resourceType]
}
