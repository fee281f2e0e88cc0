package fhir

import (
	"net/url"
	"strings"
)

// joinParamPrefixes are the FHIR search result parameters that pull in
// resources beyond the one being searched. The gateway can only evaluate
// access decisions against the resource type and patient reference of the
// thing being searched for, so any of these lets a request smuggle in
// resources the access-checker never saw.
var joinParamPrefixes = []string{"_has", "_include", "_revinclude"}

// RejectJoinParams inspects a raw query string (as it would appear on a
// search URL or a Bundle entry's request.url) for join operators and chained
// search parameters. It returns the name of the first offending parameter,
// or "" if none are present.
//
// Chained parameters are identified by a dot in the parameter name (e.g.
// "subject:Patient.name" or "general-practitioner.name"); join operators are
// identified by the _has/_include/_revinclude prefixes. Both are rejected
// outright rather than resolved, because evaluating them would require the
// gateway to run searches against resource types the access-checker never
// authorized.
func RejectJoinParams(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// An unparseable query string is caught by the caller's own
		// protocol validation; nothing to reject here.
		return ""
	}

	for name := range values {
		if isJoinParam(name) {
			return name
		}
	}
	return ""
}

func isJoinParam(name string) bool {
	for _, prefix := range joinParamPrefixes {
		if name == prefix || strings.HasPrefix(name, prefix+":") {
			return true
		}
	}
	return isChainedParam(name)
}

// isChainedParam reports whether a search parameter name is a chained
// reference search, e.g. "subject:Patient.name" or "general-practitioner.name".
// The colon-separated :Type modifier is optional; what makes it a chain is
// the dot separating the reference parameter from the target parameter.
func isChainedParam(name string) bool {
	dotIdx := strings.Index(name, ".")
	if dotIdx <= 0 {
		return false
	}
	// A bare modifier like "name:exact" has no dot; a chain always does.
	return true
}
