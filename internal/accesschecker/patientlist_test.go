package accesschecker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
)

// fakeUpstream is a stub upstream.Client whose Do result and observed calls
// are controlled by the test.
type fakeUpstream struct {
	responseBody string
	statusCode   int
	calls        []string
}

func (f *fakeUpstream) BaseURL() string { return "https://upstream.example.com/fhir" }

func (f *fakeUpstream) Do(_ context.Context, method, path string, query url.Values, body io.Reader, _ string) (*upstream.Response, error) {
	f.calls = append(f.calls, method+" "+path+"?"+query.Encode())
	status := f.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &upstream.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(f.responseBody)),
	}, nil
}

func TestPatientList_MissingClaimFails(t *testing.T) {
	if _, err := New("list", token(nil), &fakeUpstream{}, patientfinder.New()); err == nil {
		t.Fatal("expected error for missing patient_list claim")
	}
}

func TestPatientList_ReadPatientInListGranted(t *testing.T) {
	up := &fakeUpstream{responseBody: `{"resourceType":"Bundle","total":1}`}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := newReader(t, http.MethodGet, "/Patient/P1", "")
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if !decision.Granted {
		t.Error("expected grant when list lookup reports total=1")
	}
	if len(up.calls) != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", len(up.calls))
	}
}

func TestPatientList_ReadPatientNotInListDenied(t *testing.T) {
	up := &fakeUpstream{responseBody: `{"resourceType":"Bundle","total":0}`}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := newReader(t, http.MethodGet, "/Patient/P1", "")
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if decision.Granted {
		t.Error("expected denial when list lookup reports total=0")
	}
}

func TestPatientList_DirectReadOfOwnListGranted(t *testing.T) {
	up := &fakeUpstream{}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := newReader(t, http.MethodGet, "/List/L1", "")
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if !decision.Granted {
		t.Error("expected grant for reading caller's own list")
	}
	if len(up.calls) != 0 {
		t.Error("direct own-list read should not require an upstream lookup")
	}
}

func TestPatientList_DirectReadOfOtherListDenied(t *testing.T) {
	up := &fakeUpstream{}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := newReader(t, http.MethodGet, "/List/L2", "")
	decision, _ := checker.Check(context.Background(), r)
	if decision.Granted {
		t.Error("expected denial for reading a different list")
	}
}

func TestPatientList_CreatePatientGrantedWithPostProcessor(t *testing.T) {
	up := &fakeUpstream{}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := newReader(t, http.MethodPost, "/Patient", `{"resourceType":"Patient"}`)
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if !decision.Granted || decision.PostProcessor == nil {
		t.Fatal("expected grant with a list-append post-processor")
	}
}

func TestPatientList_PostProcessor_AppendsCreatedPatientToList(t *testing.T) {
	up := &fakeUpstream{}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := newReader(t, http.MethodPost, "/Patient", `{"resourceType":"Patient"}`)
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}

	resp := &upstream.Response{StatusCode: http.StatusCreated, Header: http.Header{}}
	body := []byte(`{"resourceType":"Patient","id":"P42"}`)
	if _, err := decision.PostProcessor(context.Background(), r, resp, body); err != nil {
		t.Fatalf("unexpected post-processor error: %v", err)
	}
	if len(up.calls) != 1 {
		t.Fatalf("expected exactly one auxiliary upstream call, got %d", len(up.calls))
	}
}

// TestPatientList_BundlePutNewPatientGrantedWithPostProcessor is the literal
// scenario worked through in §4.8: a transaction Bundle containing a PUT to
// Patient/<id> where <id> does not exist yet upstream. The decomposer cannot
// tell that apart from a true update, so the checker must probe for
// existence, grant instead of denying on an empty List lookup, and still
// attach a post-processor to append the id once the transaction lands.
func TestPatientList_BundlePutNewPatientGrantedWithPostProcessor(t *testing.T) {
	up := &fakeUpstream{statusCode: http.StatusNotFound}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bundleBody := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{
			"resource": {"resourceType": "Patient"},
			"request": {"method": "PUT", "url": "Patient/NEW"}
		}]
	}`
	r := newReader(t, http.MethodPost, "/", bundleBody)
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if !decision.Granted {
		t.Fatal("expected grant: a not-yet-existing Patient is not denyable on List membership")
	}
	if decision.PostProcessor == nil {
		t.Fatal("expected a list-append post-processor for the possibly-creating entry")
	}
	if len(up.calls) != 1 || !strings.HasPrefix(up.calls[0], "GET Patient/NEW") {
		t.Fatalf("expected a single existence probe against Patient/NEW, got %v", up.calls)
	}
}

func TestPatientList_PostProcessor_AppendsBundleCreatedPatientToList(t *testing.T) {
	up := &fakeUpstream{statusCode: http.StatusNotFound}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bundleBody := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{
			"resource": {"resourceType": "Patient"},
			"request": {"method": "PUT", "url": "Patient/NEW"}
		}]
	}`
	r := newReader(t, http.MethodPost, "/", bundleBody)
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}

	txnResponse := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction-response",
		"entry": [{
			"response": {"status": "201 Created", "location": "Patient/P99/_history/1"}
		}]
	}`)
	resp := &upstream.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	if _, err := decision.PostProcessor(context.Background(), r, resp, txnResponse); err != nil {
		t.Fatalf("unexpected post-processor error: %v", err)
	}
	if len(up.calls) != 2 {
		t.Fatalf("expected the existence probe plus one list-append call, got %v", up.calls)
	}
	if !strings.HasPrefix(up.calls[1], "PATCH List/L1") {
		t.Fatalf("expected second call to patch the list, got %q", up.calls[1])
	}
}

func TestPatientList_PostProcessor_SkipsBundleEntryThatDidNotCreate(t *testing.T) {
	up := &fakeUpstream{statusCode: http.StatusNotFound}
	checker, err := New("list", token(map[string]interface{}{"patient_list": "L1"}), up, patientfinder.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bundleBody := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{
			"resource": {"resourceType": "Patient"},
			"request": {"method": "PUT", "url": "Patient/NEW"}
		}]
	}`
	r := newReader(t, http.MethodPost, "/", bundleBody)
	decision, gerr := checker.Check(context.Background(), r)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}

	// Upstream reports a conditional match (200) rather than a create: no
	// Patient id was actually minted, so nothing should be appended.
	txnResponse := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction-response",
		"entry": [{
			"response": {"status": "200 OK", "location": "Patient/NEW/_history/2"}
		}]
	}`)
	resp := &upstream.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	if _, err := decision.PostProcessor(context.Background(), r, resp, txnResponse); err != nil {
		t.Fatalf("unexpected post-processor error: %v", err)
	}
	if len(up.calls) != 1 {
		t.Fatalf("expected no list-append call for a non-201 entry, got %v", up.calls)
	}
}
