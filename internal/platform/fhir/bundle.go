package fhir

import (
	"encoding/json"
	"time"
)

// Bundle is the FHIR wire representation of a Bundle resource. The gateway
// never constructs search-result or pagination Bundles itself — it relays
// whatever Bundle the upstream FHIR store returns, without decoding it into
// this type. Resource stays json.RawMessage rather than a typed union, so a
// decode and re-encode through this type keeps fields it does not model.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

// BundleLink is a navigation link (self, next, previous) on a Bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one entry of a Bundle: a resource plus the request/response
// metadata FHIR attaches to it in transaction, batch, and history Bundles.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleSearch carries the match mode FHIR search attaches to a Bundle
// entry ("match" or "include").
type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// BundleRequest is the .request element of a transaction/batch Bundle
// entry: the HTTP verb and relative URL the entry should be applied to.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse is the .response element of a transaction-response Bundle
// entry, as returned by the upstream FHIR store.
type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}
