package request

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseRequestPath_TypeAndID(t *testing.T) {
	details, err := ParseRequestPath("/Patient/123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ResourceType != "Patient" || details.ResourceID != "123" {
		t.Errorf("got type=%q id=%q", details.ResourceType, details.ResourceID)
	}
}

func TestParseRequestPath_TypeOnly(t *testing.T) {
	details, err := ParseRequestPath("/Observation", "patient=P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ResourceType != "Observation" || details.ResourceID != "" {
		t.Errorf("got type=%q id=%q", details.ResourceType, details.ResourceID)
	}
	if details.Query.Get("patient") != "P1" {
		t.Errorf("expected patient=P1, got %v", details.Query)
	}
}

func TestParseRequestPath_Root(t *testing.T) {
	details, err := ParseRequestPath("/", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ResourceType != "" || details.ResourceID != "" {
		t.Errorf("expected empty type/id for root path, got type=%q id=%q", details.ResourceType, details.ResourceID)
	}
}

func TestParseRequestPath_InvalidQuery(t *testing.T) {
	if _, err := ParseRequestPath("/Patient", "%zz"); err == nil {
		t.Fatal("expected error for malformed query string")
	}
}

func TestParseBundleEntryURL(t *testing.T) {
	details, err := ParseBundleEntryURL("Patient/123?_format=json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ResourceType != "Patient" || details.ResourceID != "123" {
		t.Errorf("got type=%q id=%q", details.ResourceType, details.ResourceID)
	}
	if details.Query.Get("_format") != "json" {
		t.Errorf("expected _format=json, got %v", details.Query)
	}
}

func TestReader_New(t *testing.T) {
	body := `{"resourceType":"Patient"}`
	req := httptest.NewRequest(http.MethodPost, "/Patient", strings.NewReader(body))
	r, err := New(req, "https://gateway.example.com/fhir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.RequestType() != http.MethodPost {
		t.Errorf("expected POST, got %s", r.RequestType())
	}
	if r.ResourceName() != "Patient" {
		t.Errorf("expected Patient, got %s", r.ResourceName())
	}
	if r.IsInstanceLevel() {
		t.Error("expected type-level request, not instance-level")
	}
	if r.FhirServerBase() != "https://gateway.example.com/fhir" {
		t.Errorf("unexpected server base: %s", r.FhirServerBase())
	}

	contents, err2 := r.LoadRequestContents()
	if err2 != nil {
		t.Fatalf("unexpected error: %v", err2)
	}
	if string(contents) != body {
		t.Errorf("expected body %q, got %q", body, contents)
	}

	// Idempotent re-read.
	again, err3 := r.LoadRequestContents()
	if err3 != nil {
		t.Fatalf("unexpected error: %v", err3)
	}
	if string(again) != body {
		t.Errorf("expected cached body %q, got %q", body, again)
	}
}

func TestReader_InstanceLevel(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/Patient/42", nil)
	r, err := New(req, "https://gateway.example.com/fhir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.IsInstanceLevel() {
		t.Error("expected instance-level request")
	}
	if r.ID() != "42" {
		t.Errorf("expected id 42, got %s", r.ID())
	}
}
