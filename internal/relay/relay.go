// Package relay implements the Response Relay of SPEC_FULL.md §4.8: it
// streams an upstream response to the client, replacing every literal
// occurrence of the upstream's own base URL with the proxy's
// externally-visible base URL, byte by byte so the whole body is never
// buffered. Grounded on SPEC_FULL.md §4.7 step 9/§4.8 directly — the teacher
// is an origin FHIR server, not a reverse proxy, so it never rewrites a
// response body in flight; the rolling-match io.Writer is a plain
// application of Go's io.Writer composition idiom, the same one the
// teacher's own gzip middleware (labstack/echo's Gzip) is built on.
package relay

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/google/fhir-gateway-proxy/internal/upstream"
)

// allowedResponseHeaders is the subset of upstream headers copied to the
// client verbatim. Content-Length and Content-Encoding are deliberately
// excluded: the rewrite can change body length, and the relay recomputes
// its own encoding based on the client's Accept-Encoding rather than
// forwarding the upstream's.
var allowedResponseHeaders = []string{
	"Content-Type",
	"ETag",
	"Last-Modified",
	"Location",
	"Content-Location",
	"Cache-Control",
}

// Relay rewrites one literal string to another across a streamed body.
type Relay struct {
	UpstreamBaseURL string
	ProxyBaseURL    string
}

// New builds a Relay that rewrites upstreamBaseURL to proxyBaseURL.
func New(upstreamBaseURL, proxyBaseURL string) *Relay {
	return &Relay{UpstreamBaseURL: upstreamBaseURL, ProxyBaseURL: proxyBaseURL}
}

// DecodeBody transparently un-gzips resp.Body if the upstream sent it
// gzip-encoded, so the rewriter always operates on plain bytes.
func (r *Relay) DecodeBody(resp *upstream.Response) (io.Reader, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	return gzip.NewReader(resp.Body)
}

// Stream copies body to w, rewriting every occurrence of UpstreamBaseURL to
// ProxyBaseURL as it goes, re-encoding as gzip if the client's
// Accept-Encoding calls for it. header carries the upstream response headers
// to copy (the allow-listed subset only).
func (r *Relay) Stream(w http.ResponseWriter, status int, header http.Header, body io.Reader, acceptEncoding string) error {
	for _, name := range allowedResponseHeaders {
		if v := header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}

	wantGzip := strings.Contains(acceptEncoding, "gzip")
	if wantGzip {
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.WriteHeader(status)

	var out io.Writer = w
	var gz *gzip.Writer
	if wantGzip {
		gz = gzip.NewWriter(w)
		out = gz
	}

	rw := newRewriter(out, []byte(r.UpstreamBaseURL), []byte(r.ProxyBaseURL))
	if _, err := io.Copy(rw, body); err != nil {
		return err
	}
	if err := rw.flush(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

// rewriter is an io.Writer that replaces every occurrence of old with
// replacement across the whole stream, carrying a short suffix of unwritten
// bytes between Write calls so a match split across two chunks is never
// missed and the full body is never buffered.
type rewriter struct {
	w           io.Writer
	old, newVal []byte
	carry       []byte
}

func newRewriter(w io.Writer, old, newVal []byte) *rewriter {
	return &rewriter{w: w, old: old, newVal: newVal}
}

func (r *rewriter) Write(p []byte) (int, error) {
	if len(r.old) == 0 {
		n, err := r.w.Write(p)
		return n, err
	}

	data := append(r.carry, p...)
	r.carry = nil

	var out []byte
	i := 0
	for {
		idx := bytes.Index(data[i:], r.old)
		if idx < 0 {
			break
		}
		out = append(out, data[i:i+idx]...)
		out = append(out, r.newVal...)
		i += idx + len(r.old)
	}

	tail := data[i:]
	keep := len(r.old) - 1
	if keep > len(tail) {
		keep = len(tail)
	}
	carryLen := 0
	for l := keep; l > 0; l-- {
		if bytes.HasPrefix(r.old, tail[len(tail)-l:]) {
			carryLen = l
			break
		}
	}
	out = append(out, tail[:len(tail)-carryLen]...)
	r.carry = append([]byte(nil), tail[len(tail)-carryLen:]...)

	if len(out) > 0 {
		if _, err := r.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// flush writes out any carried bytes that turned out not to be a split
// match once the stream ended.
func (r *rewriter) flush() error {
	if len(r.carry) == 0 {
		return nil
	}
	_, err := r.w.Write(r.carry)
	r.carry = nil
	return err
}
