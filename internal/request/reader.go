// Package request turns an inbound HTTP request (or a transaction Bundle
// entry's request.url) into the stable, read-only view the rest of the
// pipeline consults: the FHIR Request Reader and URL Details Finder of
// SPEC_FULL.md §4.2. Field layout follows the teacher's platform/fhir
// resource types (plain structs, JSON-shaped where it matters) but this
// package itself has no teacher file to adapt — the teacher never needed a
// request/response view independent of echo.Context, since its handlers
// read the body directly.
package request

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
	"github.com/google/fhir-gateway-proxy/internal/platform/fhir"
)

// UrlDetails is the (resourceType, resourceId, query, path) tuple a
// UrlDetailsFinder extracts from either a servlet-style request or a Bundle
// entry's request.url.
type UrlDetails struct {
	ResourceType string
	ResourceID   string
	Query        url.Values
	Path         string
}

// ParseRequestPath extracts UrlDetails from an inbound request's path and raw
// query string. The path is interpreted as Type[/id] first, falling back to
// the raw path when it doesn't split cleanly — the same contract
// fhir.ParseEntryURL uses for Bundle entry URLs, so both call sites agree on
// what a resource-level URL looks like. A root path (system-level POST of a
// Bundle) yields an empty ResourceType, per §4.2's nullable resourceName().
func ParseRequestPath(path, rawQuery string) (UrlDetails, *gatewayerr.Error) {
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return UrlDetails{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid query string", err)
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return UrlDetails{Query: query, Path: path}, nil
	}

	resourceType, id, _, _ := fhir.ParseEntryURL(trimmed)
	return UrlDetails{
		ResourceType: resourceType,
		ResourceID:   id,
		Query:        query,
		Path:         path,
	}, nil
}

// ParseBundleEntryURL extracts UrlDetails from a transaction Bundle entry's
// request.url, which may itself carry a query string.
func ParseBundleEntryURL(entryURL string) (UrlDetails, *gatewayerr.Error) {
	resourceType, id, rawQuery, _ := fhir.ParseEntryURL(entryURL)
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return UrlDetails{}, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "invalid query string in bundle entry url", err)
	}
	return UrlDetails{
		ResourceType: resourceType,
		ResourceID:   id,
		Query:        query,
		Path:         entryURL,
	}, nil
}

// Reader is an immutable snapshot of one inbound HTTP request: the
// RequestReader of §3, created at request entry and discarded once the
// response is flushed. Its body is readable exactly once from the
// underlying stream, but LoadRequestContents is idempotent — repeat calls
// replay the cached bytes.
type Reader struct {
	method     string
	fullURL    string
	serverBase string
	details    UrlDetails
	header     http.Header

	source   io.ReadCloser
	bodyOnce sync.Once
	body     []byte
	bodyErr  error
}

// New builds a Reader from an inbound *http.Request and the proxy's own
// externally-visible base URL (fhirServerBase(), per §4.2).
func New(req *http.Request, serverBase string) (*Reader, *gatewayerr.Error) {
	details, gerr := ParseRequestPath(req.URL.Path, req.URL.RawQuery)
	if gerr != nil {
		return nil, gerr
	}
	return &Reader{
		method:     req.Method,
		fullURL:    req.URL.String(),
		serverBase: serverBase,
		details:    details,
		header:     req.Header,
		source:     req.Body,
	}, nil
}

// RequestType returns the HTTP verb.
func (r *Reader) RequestType() string { return r.method }

// ResourceName returns the FHIR type named by the URL, or "" for a
// system-level POST (a transaction Bundle submitted to the server root).
func (r *Reader) ResourceName() string { return r.details.ResourceType }

// ID returns the resource id named by the URL, or "" if the request does not
// target a specific instance.
func (r *Reader) ID() string { return r.details.ResourceID }

// IsInstanceLevel reports whether the request names a specific resource
// instance (as opposed to a type-level search or a system-level Bundle
// POST).
func (r *Reader) IsInstanceLevel() bool { return r.details.ResourceID != "" }

// Parameters returns the request's query parameters, name to ordered values.
func (r *Reader) Parameters() url.Values { return r.details.Query }

// Header returns a request header value. Lookup is case-insensitive, per
// net/http.Header's canonicalization.
func (r *Reader) Header(name string) string { return r.header.Get(name) }

// FhirServerBase returns the proxy's own externally-visible base URL.
func (r *Reader) FhirServerBase() string { return r.serverBase }

// Path returns the request's URL path.
func (r *Reader) Path() string { return r.details.Path }

// FullURL returns the complete request URL as received.
func (r *Reader) FullURL() string { return r.fullURL }

// LoadRequestContents returns the raw request body. The underlying stream is
// read exactly once; subsequent calls replay the cached bytes.
func (r *Reader) LoadRequestContents() ([]byte, error) {
	r.bodyOnce.Do(func() {
		if r.source == nil {
			return
		}
		r.body, r.bodyErr = io.ReadAll(r.source)
	})
	return r.body, r.bodyErr
}
