package fhir

import "testing"

func TestRejectJoinParams_NoJoinParams(t *testing.T) {
	if got := RejectJoinParams("name=Smith&birthdate=2000-01-01"); got != "" {
		t.Errorf("expected no rejection, got %q", got)
	}
}

func TestRejectJoinParams_Has(t *testing.T) {
	got := RejectJoinParams("_has:Observation:patient:code=1234")
	if got != "_has:Observation:patient:code" {
		t.Errorf("expected _has param name rejected, got %q", got)
	}
}

func TestRejectJoinParams_Include(t *testing.T) {
	got := RejectJoinParams("_include=Observation:patient")
	if got != "_include" {
		t.Errorf("expected _include rejected, got %q", got)
	}
}

func TestRejectJoinParams_RevInclude(t *testing.T) {
	got := RejectJoinParams("_revinclude=Observation:patient")
	if got != "_revinclude" {
		t.Errorf("expected _revinclude rejected, got %q", got)
	}
}

func TestRejectJoinParams_ChainedParam(t *testing.T) {
	got := RejectJoinParams("subject.name=Smith")
	if got != "subject.name" {
		t.Errorf("expected chained param rejected, got %q", got)
	}
}

func TestRejectJoinParams_ChainedParamWithTypeModifier(t *testing.T) {
	got := RejectJoinParams("subject:Patient.name=Smith")
	if got != "subject:Patient.name" {
		t.Errorf("expected chained param rejected, got %q", got)
	}
}

func TestRejectJoinParams_ModifierWithoutDotIsNotChained(t *testing.T) {
	// "name:exact" is a search modifier, not a chain: no dot present.
	if got := RejectJoinParams("name:exact=Smith"); got != "" {
		t.Errorf("expected no rejection for modifier-only param, got %q", got)
	}
}

func TestRejectJoinParams_EmptyQuery(t *testing.T) {
	if got := RejectJoinParams(""); got != "" {
		t.Errorf("expected no rejection for empty query, got %q", got)
	}
}

func TestRejectJoinParams_MultipleParamsOneOffending(t *testing.T) {
	got := RejectJoinParams("status=active&_include=Observation:patient&code=1234")
	if got != "_include" {
		t.Errorf("expected _include to be flagged, got %q", got)
	}
}

func TestRejectJoinParams_UnparseableQueryIsNotRejected(t *testing.T) {
	// A malformed query string is the protocol validator's concern, not this
	// check's; RejectJoinParams should not panic or misreport.
	got := RejectJoinParams("%zz")
	if got != "" {
		t.Errorf("expected no rejection for unparseable query, got %q", got)
	}
}
