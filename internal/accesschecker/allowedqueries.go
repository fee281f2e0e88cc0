package accesschecker

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/fhir-gateway-proxy/internal/request"
)

// wildcardValue marks a queryParams entry that matches any non-empty value.
const wildcardValue = "ANY_VALUE"

// AllowedQueryEntry is one entry of the allow-list file (§6): a path
// template plus the query parameters a request must carry to bypass the
// main access checker entirely.
type AllowedQueryEntry struct {
	Path                         string            `json:"path"`
	QueryParams                  map[string]string `json:"queryParams"`
	AllowExtraParams             bool              `json:"allowExtraParams"`
	AllParamsRequired            bool              `json:"allParamsRequired"`
	AllowUnAuthenticatedRequests bool              `json:"allowUnAuthenticatedRequests"`
}

// AllowedQueriesConfig is the decoded allow-list file.
type AllowedQueriesConfig struct {
	Entries []AllowedQueryEntry `json:"entries"`
}

// LoadAllowedQueriesConfig reads and parses the ALLOWED_QUERIES_FILE.
func LoadAllowedQueriesConfig(path string) (*AllowedQueriesConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowed-queries file %q: %w", path, err)
	}
	var cfg AllowedQueriesConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing allowed-queries file %q: %w", path, err)
	}
	return &cfg, nil
}

// AllowedQueriesChecker is the first-line bypass of §4.5: it is consulted
// before token verification (§4.7 step 2), so unlike every other checker it
// is never constructed through the name registry from a DecodedToken — the
// pipeline holds one instance, built once at startup from the config file,
// and asks it to Match every request ahead of everything else.
type AllowedQueriesChecker struct {
	cfg *AllowedQueriesConfig
}

// NewAllowedQueriesChecker wraps a loaded config. A nil cfg always misses,
// which is the expected state when ALLOWED_QUERIES_FILE is unset.
func NewAllowedQueriesChecker(cfg *AllowedQueriesConfig) *AllowedQueriesChecker {
	return &AllowedQueriesChecker{cfg: cfg}
}

// Match reports whether the request matches an allow-list entry. A match
// returns (Granted, true); a miss returns (zero Decision, false) so the
// pipeline falls through to token verification and the main checker.
func (c *AllowedQueriesChecker) Match(r *request.Reader) (Decision, bool) {
	if c == nil || c.cfg == nil {
		return Decision{}, false
	}
	for _, entry := range c.cfg.Entries {
		if c.entryMatches(entry, r) {
			return Granted(), true
		}
	}
	return Decision{}, false
}

func (c *AllowedQueriesChecker) entryMatches(entry AllowedQueryEntry, r *request.Reader) bool {
	if strings.Trim(r.Path(), "/") != strings.Trim(entry.Path, "/") {
		return false
	}
	if !entry.AllowUnAuthenticatedRequests && r.Header("Authorization") == "" {
		return false
	}

	params := r.Parameters()
	matched := 0
	for name, want := range entry.QueryParams {
		got := params.Get(name)
		if got == "" {
			if entry.AllParamsRequired {
				return false
			}
			continue
		}
		if want != wildcardValue && got != want {
			return false
		}
		matched++
	}
	if entry.AllParamsRequired && matched != len(entry.QueryParams) {
		return false
	}
	if !entry.AllowExtraParams {
		for name := range params {
			if _, ok := entry.QueryParams[name]; !ok {
				return false
			}
		}
	}
	return true
}
