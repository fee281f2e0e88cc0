// Package bundle implements the Bundle Decomposer of SPEC_FULL.md §4.6: it
// classifies every entry of a transaction Bundle by verb and effect and
// produces both a per-entry iteration (for checkers that want to decide
// access entry by entry) and the aggregated BundlePatients view (§3). None of
// the built-in checkers calls Aggregate: the Patient-List checker classifies
// Decompose's per-entry records itself. Built on internal/platform/fhir's
// transaction parsing/validation/join-rejection and internal/patientfinder's
// per-request patient extraction, with placeholder (urn:uuid) resolution
// deliberately not performed per the cyclic-data policy.
package bundle

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/platform/fhir"
)

// Entry is one transaction Bundle entry's decomposed effect.
type Entry struct {
	Method             string
	ResourceType       string
	ReferencedPatients []string
	IsPatientCreate    bool
	IsPatientUpdate    bool
	IsPatientDelete    bool
	IsInstanceLevel    bool
	PatientID          string
}

// Patients is the aggregated BundlePatients outcome (§3).
type Patients struct {
	ReferencedPatients [][]string
	UpdatedPatients    map[string]bool
	DeletedPatients    map[string]bool
	PatientsToCreate   bool
}

// Decompose parses and validates a transaction Bundle body and classifies
// every entry, in original Bundle order (not the FHIR processing order
// SortTransactionEntries produces — that order matters for forwarding, not
// for what a checker needs to decide about access).
func Decompose(body []byte, finder *patientfinder.Finder) ([]Entry, *gatewayerr.Error) {
	txn, err := fhir.ParseTransactionBundle(body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid transaction bundle", err)
	}
	if err := fhir.ValidateTransactionBundle(txn); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid transaction bundle", err)
	}

	entries := make([]Entry, 0, len(txn.Entries))
	for _, txnEntry := range txn.Entries {
		entry, gerr := decomposeEntry(txnEntry, finder)
		if gerr != nil {
			return nil, gerr
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decomposeEntry(txnEntry fhir.TransactionEntry, finder *patientfinder.Finder) (Entry, *gatewayerr.Error) {
	resourceType, id, rawQuery, _ := fhir.ParseEntryURL(txnEntry.Request.URL)
	if offending := fhir.RejectJoinParams(rawQuery); offending != "" {
		return Entry{}, gatewayerr.New(gatewayerr.ProtocolInvalid,
			fmt.Sprintf("join/chained parameter %q not allowed in bundle entry", offending))
	}

	entry := Entry{Method: txnEntry.Request.Method, ResourceType: resourceType}

	switch txnEntry.Request.Method {
	case "GET":
		entry.IsInstanceLevel = id != ""
		if resourceType == "Patient" && id != "" {
			entry.ReferencedPatients = []string{id}
			return entry, nil
		}
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return Entry{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid query string in bundle entry", err)
		}
		ids, gerr := finder.FromQuery(resourceType, query)
		if gerr != nil {
			return Entry{}, gerr
		}
		entry.ReferencedPatients = ids
		return entry, nil

	case "DELETE":
		if resourceType == "Patient" && id != "" {
			entry.IsPatientDelete = true
			entry.PatientID = id
			return entry, nil
		}
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return Entry{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid query string in bundle entry", err)
		}
		ids, gerr := finder.FromQuery(resourceType, query)
		if gerr != nil {
			return Entry{}, gerr
		}
		entry.ReferencedPatients = ids
		return entry, nil

	case "POST":
		if resourceType == "Patient" {
			entry.IsPatientCreate = true
			return entry, nil
		}
		ids, err := finder.FromBody(resourceType, txnEntry.Resource)
		if err != nil {
			return Entry{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to extract patient references from bundle entry body", err)
		}
		entry.ReferencedPatients = ids
		return entry, nil

	case "PUT":
		if resourceType == "Patient" {
			if id == "" {
				return Entry{}, gatewayerr.New(gatewayerr.ProtocolInvalid, "PUT on Patient requires an instance id")
			}
			entry.IsPatientUpdate = true
			entry.PatientID = id
			return entry, nil
		}
		ids, err := finder.FromBody(resourceType, txnEntry.Resource)
		if err != nil {
			return Entry{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to extract patient references from bundle entry body", err)
		}
		entry.ReferencedPatients = ids
		return entry, nil

	case "PATCH":
		ops, gerr := decodeBinaryPatch(txnEntry.Resource)
		if gerr != nil {
			return Entry{}, gerr
		}
		if resourceType == "Patient" {
			if id == "" {
				return Entry{}, gatewayerr.New(gatewayerr.ProtocolInvalid, "PATCH on Patient requires an instance id")
			}
			entry.IsPatientUpdate = true
			entry.PatientID = id
			return entry, nil
		}
		ids, gerr := finder.FromPatch(resourceType, ops)
		if gerr != nil {
			return Entry{}, gerr
		}
		entry.ReferencedPatients = ids
		return entry, nil
	}

	return Entry{}, gatewayerr.New(gatewayerr.ProtocolInvalid, fmt.Sprintf("unsupported bundle entry method %q", txnEntry.Request.Method))
}

// decodeBinaryPatch extracts a JSON Patch document from a transaction entry
// whose resource wraps it as a Binary, the only shape in which a raw JSON
// Patch array (not itself a FHIR resource) can travel inside entry.resource.
func decodeBinaryPatch(resource map[string]interface{}) ([]fhir.PatchOperation, *gatewayerr.Error) {
	if rt, _ := resource["resourceType"].(string); rt != "Binary" {
		return nil, gatewayerr.New(gatewayerr.ProtocolInvalid, "PATCH bundle entry must wrap its patch document in a Binary resource")
	}
	data, _ := resource["data"].(string)
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid base64 in Binary.data", err)
	}
	ops, err := fhir.ParseJSONPatch(raw)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid JSON Patch document", err)
	}
	return ops, nil
}

// Aggregate builds the BundlePatients view (§3) from a decomposed entry
// list. patientsToCreate and updatedPatients/deletedPatients never overlap
// on the same id: a created Patient has no id of its own in this Bundle (no
// urn:uuid placeholder resolution, §9), so there is nothing for an update or
// delete record to coincide with.
func Aggregate(entries []Entry) Patients {
	patients := Patients{
		UpdatedPatients: make(map[string]bool),
		DeletedPatients: make(map[string]bool),
	}
	for _, entry := range entries {
		switch {
		case entry.IsPatientCreate:
			patients.PatientsToCreate = true
		case entry.IsPatientUpdate:
			patients.UpdatedPatients[entry.PatientID] = true
		case entry.IsPatientDelete:
			patients.DeletedPatients[entry.PatientID] = true
		default:
			if len(entry.ReferencedPatients) > 0 {
				patients.ReferencedPatients = append(patients.ReferencedPatients, entry.ReferencedPatients)
			}
		}
	}
	return patients
}
