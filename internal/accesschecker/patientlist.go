package accesschecker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/fhir-gateway-proxy/internal/bundle"
	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/request"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
	"github.com/google/fhir-gateway-proxy/internal/verifier"
)

func init() {
	Register("list", newPatientListChecker)
}

// patientListChecker authorizes against a FHIR List resource named by the
// token's patient_list claim, per §4.5's Patient-List Checker: the upstream
// itself is the source of truth for which patients a caller may reach.
type patientListChecker struct {
	listID string
	client upstream.Client
	finder *patientfinder.Finder
}

func newPatientListChecker(token *verifier.DecodedToken, client upstream.Client, finder *patientfinder.Finder) (Checker, error) {
	listID := token.StringClaim("patient_list")
	if listID == "" {
		return nil, fmt.Errorf("token has no patient_list claim")
	}
	return &patientListChecker{listID: listID, client: client, finder: finder}, nil
}

func (c *patientListChecker) Check(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	if r.RequestType() == "POST" && r.ResourceName() == "" {
		return c.processBundle(ctx, r)
	}

	switch r.RequestType() {
	case "GET", "HEAD":
		return c.processRead(ctx, r)
	case "POST":
		return c.processCreate(ctx, r)
	case "PUT", "PATCH":
		return c.processUpdate(ctx, r)
	case "DELETE":
		return c.processDelete(ctx, r)
	default:
		return Denied(), nil
	}
}

func (c *patientListChecker) candidatePatientIDs(r *request.Reader) ([]string, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "Patient" && r.IsInstanceLevel() {
		return []string{r.ID()}, nil
	}
	return c.finder.FromQuery(resourceType, r.Parameters())
}

func (c *patientListChecker) processRead(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	if r.ResourceName() == "List" && r.IsInstanceLevel() {
		if r.ID() != c.listID {
			return Denied(), nil
		}
		return Granted(), nil
	}

	ids, gerr := c.candidatePatientIDs(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if len(ids) == 0 {
		return Denied(), nil
	}
	ok, gerr := c.listContains(ctx, r, ids)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientListChecker) processCreate(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "Patient" {
		return Decision{Granted: true, PostProcessor: c.appendPatientToList}, nil
	}

	body, gerr := decodeJSONBody(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	ids, err := c.finder.FromBody(resourceType, body)
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to extract patient references from request body", err)
	}
	if len(ids) == 0 {
		return Denied(), nil
	}
	ok, gerr := c.listContains(ctx, r, ids)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientListChecker) processUpdate(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	resourceType := r.ResourceName()
	if resourceType == "List" {
		if r.ID() != c.listID {
			return Denied(), nil
		}
		return Granted(), nil
	}

	ids, gerr := c.candidatePatientIDs(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if len(ids) == 0 {
		return Denied(), nil
	}
	ok, gerr := c.listContains(ctx, r, ids)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientListChecker) processDelete(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	ids, gerr := c.candidatePatientIDs(r)
	if gerr != nil {
		return Decision{}, gerr
	}
	if len(ids) == 0 {
		return Denied(), nil
	}
	ok, gerr := c.listContains(ctx, r, ids)
	if gerr != nil {
		return Decision{}, gerr
	}
	if !ok {
		return Denied(), nil
	}
	return Granted(), nil
}

func (c *patientListChecker) processBundle(ctx context.Context, r *request.Reader) (Decision, *gatewayerr.Error) {
	body, err := r.LoadRequestContents()
	if err != nil {
		return Decision{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "failed to read request body", err)
	}
	entries, gerr := bundle.Decompose(body, c.finder)
	if gerr != nil {
		return Decision{}, gerr
	}
	if len(entries) == 0 {
		return Granted(), nil
	}

	// A Bundle POST's referenced patients are the union of every entry's
	// referenced patients; the List Checker only needs to know membership,
	// so a single conjunctive List query covers the whole Bundle. Entries
	// that may be creating a brand-new Patient are held out of that query
	// (a not-yet-existing patient is never a list member) and instead get a
	// post-processor that appends them once the transaction actually lands.
	memberIDs, creatingEntries, gerr := c.classifyBundleEntries(ctx, r, entries)
	if gerr != nil {
		return Decision{}, gerr
	}
	if len(memberIDs) == 0 && len(creatingEntries) == 0 {
		return Denied(), nil
	}
	if len(memberIDs) > 0 {
		ok, gerr := c.listContains(ctx, r, memberIDs)
		if gerr != nil {
			return Decision{}, gerr
		}
		if !ok {
			return Denied(), nil
		}
	}
	if len(creatingEntries) > 0 {
		return Decision{Granted: true, PostProcessor: c.appendBundleCreatedPatients(creatingEntries)}, nil
	}
	return Granted(), nil
}

// classifyBundleEntries splits a decomposed Bundle's entries into the
// patient ids that must already be List members (reads, deletes, and
// updates of a patient confirmed to exist upstream, plus anything else
// referencing a patient indirectly) and the indices of entries that may be
// creating a brand-new Patient: a bare POST Patient, or a PUT/PATCH
// Patient/<id> upsert whose id turns out not to exist yet.
// internal/bundle.Decompose marks every PUT/PATCH Patient/<id> entry as
// IsPatientUpdate whether or not <id> already exists, so it cannot tell a
// Bundle upsert-create apart from a true update; this probes the upstream per
// ambiguous id.
func (c *patientListChecker) classifyBundleEntries(ctx context.Context, r *request.Reader, entries []bundle.Entry) ([]string, []int, *gatewayerr.Error) {
	seen := make(map[string]bool)
	var memberIDs []string
	var creatingEntries []int
	addMember := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		memberIDs = append(memberIDs, id)
	}

	for i, entry := range entries {
		switch {
		case entry.IsPatientCreate:
			creatingEntries = append(creatingEntries, i)
		case entry.IsPatientUpdate && entry.ResourceType == "Patient":
			exists, gerr := c.patientExists(ctx, r, entry.PatientID)
			if gerr != nil {
				return nil, nil, gerr
			}
			if exists {
				addMember(entry.PatientID)
			} else {
				creatingEntries = append(creatingEntries, i)
			}
		case entry.IsPatientDelete:
			addMember(entry.PatientID)
		default:
			for _, id := range entry.ReferencedPatients {
				addMember(id)
			}
		}
	}
	return memberIDs, creatingEntries, nil
}

// patientExists probes the upstream directly for Patient/<id>, the only way
// to tell a Bundle PUT/PATCH Patient/<id> upsert-create apart from a true
// update before the transaction actually runs.
func (c *patientListChecker) patientExists(ctx context.Context, r *request.Reader, id string) (bool, *gatewayerr.Error) {
	resp, err := c.client.Do(ctx, "GET", "Patient/"+id, url.Values{"_elements": {"id"}}, nil, r.Header("Authorization"))
	if err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok {
			return false, gerr
		}
		return false, gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, "patient existence check failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode != http.StatusNotFound, nil
}

// listContains queries the upstream for the caller's List resource,
// requiring every id in ids to appear as an item, per §4.5's conjunctive
// `&item=...&item=...` form.
func (c *patientListChecker) listContains(ctx context.Context, r *request.Reader, ids []string) (bool, *gatewayerr.Error) {
	query := url.Values{}
	query.Set("_id", c.listID)
	query.Set("_elements", "id")
	for _, id := range ids {
		query.Add("item", "Patient/"+id)
	}

	resp, err := c.client.Do(ctx, "GET", "List", query, nil, r.Header("Authorization"))
	if err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok {
			return false, gerr
		}
		return false, gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, "list membership lookup failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, "reading list membership response", err)
	}

	var parsed struct {
		Total float64 `json:"total"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false, gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, "invalid list membership response", err)
	}
	return parsed.Total == 1, nil
}

// appendPatientToList is the post-processor §4.8 describes: on a successful
// Patient creation, append the new Patient's id to the caller's List via a
// JSON-Patch. Its own failure is PostProcessFailure territory — logged by
// the pipeline, never surfaced to the client, which already has its
// successful Patient-creation response.
func (c *patientListChecker) appendPatientToList(ctx context.Context, r *request.Reader, resp *upstream.Response, body []byte) ([]byte, error) {
	id := newPatientID(resp, body)
	if id == "" {
		return nil, fmt.Errorf("could not determine created Patient id for list append")
	}
	return nil, c.appendIDToList(ctx, r, id)
}

// appendBundleCreatedPatients is processBundle's version of
// appendPatientToList: creatingEntries names, by original Bundle order, the
// entries that may have created a new Patient (a bare POST Patient, or a
// PUT/PATCH Patient/<id> upsert classifyBundleEntries could not confirm
// already existed). Request and transaction-response Bundle entries share
// position (§4.6), so this walks the response at exactly those indices,
// appending every one that really did come back 201 Created.
func (c *patientListChecker) appendBundleCreatedPatients(creatingEntries []int) PostProcessor {
	return func(ctx context.Context, r *request.Reader, resp *upstream.Response, body []byte) ([]byte, error) {
		var txnResponse struct {
			Entry []struct {
				Response struct {
					Status   string `json:"status"`
					Location string `json:"location"`
				} `json:"response"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(body, &txnResponse); err != nil {
			return nil, fmt.Errorf("parsing transaction-response bundle: %w", err)
		}

		var failures []string
		for _, idx := range creatingEntries {
			if idx >= len(txnResponse.Entry) {
				continue
			}
			entryResp := txnResponse.Entry[idx].Response
			if !strings.HasPrefix(entryResp.Status, "201") {
				continue
			}
			id := idFromLocation(entryResp.Location)
			if id == "" {
				continue
			}
			if err := c.appendIDToList(ctx, r, id); err != nil {
				failures = append(failures, err.Error())
			}
		}
		if len(failures) > 0 {
			return nil, fmt.Errorf("appending created patients to list %s: %s", c.listID, strings.Join(failures, "; "))
		}
		return nil, nil
	}
}

// appendIDToList issues the List-append JSON-Patch for a single created
// Patient id.
func (c *patientListChecker) appendIDToList(ctx context.Context, r *request.Reader, id string) error {
	patch := []byte(fmt.Sprintf(`[{"op":"add","path":"/entry/-","value":{"item":{"reference":"Patient/%s"}}}]`, id))
	patchResp, err := c.client.Do(ctx, "PATCH", "List/"+c.listID, nil, bytes.NewReader(patch), r.Header("Authorization"))
	if err != nil {
		return fmt.Errorf("appending patient %s to list %s: %w", id, c.listID, err)
	}
	defer patchResp.Body.Close()
	io.Copy(io.Discard, patchResp.Body)
	return nil
}

func newPatientID(resp *upstream.Response, body []byte) string {
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err == nil && created.ID != "" {
		return created.ID
	}
	location := resp.Header.Get("Location")
	if location == "" {
		location = resp.Header.Get("Content-Location")
	}
	return idFromLocation(location)
}

// idFromLocation extracts the resource id from a FHIR Location header of the
// form ".../Patient/<id>/_history/<version>".
func idFromLocation(location string) string {
	parts := strings.Split(strings.Trim(location, "/"), "/")
	for i, p := range parts {
		if p == "Patient" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
