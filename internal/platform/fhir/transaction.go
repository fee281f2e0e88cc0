package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BundleEntryRequest represents the request details for an entry in a
// transaction Bundle.
type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// TransactionEntry represents a single entry in a transaction Bundle, parsed
// enough to classify its verb and locate its resource body.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  BundleEntryRequest     `json:"request"`
}

// TransactionBundle is the parsed representation of a FHIR transaction Bundle.
type TransactionBundle struct {
	ResourceType string             `json:"resourceType"`
	Type         string             `json:"type"`
	Entries      []TransactionEntry `json:"entry,omitempty"`
}

// validHTTPMethods is the set of HTTP methods valid in a Bundle entry request.
var validHTTPMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"PATCH":  true,
}

// bodyRequiredMethods carry a resource per the FHIR transaction spec.
var bodyRequiredMethods = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// methodSortOrder defines the FHIR processing order for transaction entries:
// DELETE first, then POST, then PUT/PATCH, then GET.
var methodSortOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"PATCH":  3,
	"GET":    4,
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
// It does not validate the bundle — callers should call ValidateTransactionBundle
// before acting on the result.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string              `json:"fullUrl,omitempty"`
			Resource json.RawMessage     `json:"resource,omitempty"`
			Request  *BundleEntryRequest `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", raw.ResourceType)
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		entry := TransactionEntry{FullURL: e.FullURL}

		if len(e.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("invalid resource in entry %d: %w", i, err)
			}
			entry.Resource = res
		}

		if e.Request != nil {
			entry.Request = *e.Request
		}

		bundle.Entries = append(bundle.Entries, entry)
	}

	return bundle, nil
}

// ValidateTransactionBundle enforces the Bundle Decomposer's structural
// invariants: the bundle must be of type "transaction", every entry must
// carry a request (method + url), and write verbs must carry a resource.
// It returns the first violation found, wrapped for translation to
// ProtocolInvalid by the caller; nil means the bundle is well-formed.
func ValidateTransactionBundle(bundle *TransactionBundle) error {
	if bundle.Type != "transaction" {
		return fmt.Errorf("bundle.type must be %q, got %q", "transaction", bundle.Type)
	}

	for i, entry := range bundle.Entries {
		if entry.Request.Method == "" || entry.Request.URL == "" {
			return fmt.Errorf("entry %d: request.method and request.url are required", i)
		}
		if !validHTTPMethods[entry.Request.Method] {
			return fmt.Errorf("entry %d: invalid HTTP method %q", i, entry.Request.Method)
		}
		if bodyRequiredMethods[entry.Request.Method] && entry.Resource == nil {
			return fmt.Errorf("entry %d: %s requires a resource body", i, entry.Request.Method)
		}
	}

	return nil
}

// SortTransactionEntries sorts entries according to the FHIR specification
// processing order: DELETE first, then POST, then PUT/PATCH, then GET. The
// sort is stable, preserving the original order of entries with the same
// method type.
func SortTransactionEntries(entries []TransactionEntry) []TransactionEntry {
	sorted := make([]TransactionEntry, len(entries))
	copy(sorted, entries)

	stableSortByMethod(sorted)
	return sorted
}

func stableSortByMethod(entries []TransactionEntry) {
	// insertion sort: entry counts in a transaction Bundle are small, and
	// stability matters more than asymptotic performance here.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && methodSortOrder[entries[j-1].Request.Method] > methodSortOrder[entries[j].Request.Method] {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// ParseEntryURL parses a relative FHIR URL from a Bundle entry request. It
// returns the resource type, resource id (if present), the raw query string
// (if present), and whether the URL represents a search (contains a query
// string). Both a Bundle entry's request.url and a servlet-style request
// path share this parsing contract: interpret the path as Type[/id] first,
// falling back to the raw path when it doesn't split cleanly.
//
// Examples:
//
//	"Patient/123"           -> ("Patient", "123", "", false)
//	"Patient?name=Smith"    -> ("Patient", "", "name=Smith", true)
//	"Patient"               -> ("Patient", "", "", false)
func ParseEntryURL(url string) (resourceType, id, query string, isSearch bool) {
	path := url
	if idx := strings.Index(url, "?"); idx >= 0 {
		path = url[:idx]
		query = url[idx+1:]
		isSearch = true
	}

	parts := strings.SplitN(path, "/", 2)
	resourceType = parts[0]
	if len(parts) == 2 {
		id = parts[1]
	}
	return resourceType, id, query, isSearch
}
