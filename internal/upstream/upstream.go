// Package upstream implements the Upstream Client of SPEC_FULL.md §4.9: one
// interface, two backends selected once at startup by BACKEND_TYPE, matching
// design note §9's "inheritance-heavy client hierarchy" (one shape, swapped
// credential flow). Grounded on SPEC_FULL.md §4.9/§9 directly (the teacher is
// a FHIR server, not a client of one, so it has no client of this shape to
// adapt) and on other_examples' Google Healthcare API FHIR store call shape
// for the GCP variant's request construction.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/google/fhir-gateway-proxy/internal/config"
	"github.com/google/fhir-gateway-proxy/internal/gatewayerr"
)

// Response is the upstream's raw HTTP response. Body is a live stream, not
// materialized bytes: the Response Relay (§4.8) forwards it without
// buffering the whole thing.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client is the single interface both backends implement. authHeader is the
// caller's own Authorization header value; the generic HAPI client forwards
// it unchanged per §4.9, the GCP client ignores it and substitutes its own
// service-account token.
type Client interface {
	Do(ctx context.Context, method, path string, query url.Values, body io.Reader, authHeader string) (*Response, error)
	BaseURL() string
}

// New selects and constructs the configured backend. An unrecognized
// BACKEND_TYPE is ConfigInvalid, per §4.9 and §6.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	timeout, err := cfg.UpstreamTimeoutDuration()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigInvalid, "invalid UPSTREAM_TIMEOUT", err)
	}

	switch strings.ToUpper(cfg.BackendType) {
	case "HAPI":
		return NewHAPIClient(cfg.ProxyTo, timeout), nil
	case "GCP":
		return NewGCPClient(ctx, cfg.ProxyTo, cfg.GCPFHIRStoreScopes, timeout)
	default:
		return nil, gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("unrecognized BACKEND_TYPE %q", cfg.BackendType))
	}
}

func buildRequestURL(baseURL, path string, query url.Values) string {
	u := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func classifyDoErr(err error) *gatewayerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.Wrap(gatewayerr.UpstreamTimeout, "upstream call timed out", err)
	}
	return gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, "upstream call failed", err)
}

// HAPIClient is the generic HTTP FHIR client (BACKEND_TYPE=HAPI): it
// forwards the caller's bearer token unchanged and trusts the upstream FHIR
// server to re-validate it, or to trust the proxy's own verification.
type HAPIClient struct {
	baseURL string
	http    *http.Client
}

// NewHAPIClient builds a generic HAPI-style upstream client.
func NewHAPIClient(baseURL string, timeout time.Duration) *HAPIClient {
	return &HAPIClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *HAPIClient) BaseURL() string { return c.baseURL }

// Do issues one call against the upstream FHIR server.
func (c *HAPIClient) Do(ctx context.Context, method, path string, query url.Values, body io.Reader, authHeader string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, buildRequestURL(c.baseURL, path, query), body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "build upstream request", err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyDoErr(err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// GCPClient is the Google Healthcare API FHIR store client
// (BACKEND_TYPE=GCP): it authenticates with a service-account credential
// flow instead of forwarding the end-user's bearer token. Token refresh is
// this variant's own concern; oauth2.TokenSource handles rotation
// internally, so the client never has to.
type GCPClient struct {
	baseURL     string
	http        *http.Client
	tokenSource oauth2.TokenSource
}

// NewGCPClient loads Application Default Credentials scoped to scopes and
// builds a client against the Healthcare API FHIR store at baseURL
// (e.g. "https://healthcare.googleapis.com/v1/projects/.../fhirStores/.../fhir").
func NewGCPClient(ctx context.Context, baseURL string, scopes []string, timeout time.Duration) (*GCPClient, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigInvalid, "load GCP default credentials", err)
	}
	return &GCPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: timeout},
		tokenSource: creds.TokenSource,
	}, nil
}

func (c *GCPClient) BaseURL() string { return c.baseURL }

// Do issues one call against the Healthcare API FHIR store, authenticated
// with the service account's own access token rather than authHeader.
func (c *GCPClient) Do(ctx context.Context, method, path string, query url.Values, body io.Reader, _ string) (*Response, error) {
	token, err := c.tokenSource.Token()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.UpstreamUnreachable, "fetch GCP access token", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, buildRequestURL(c.baseURL, path, query), body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ProtocolInvalid, "build upstream request", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyDoErr(err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
