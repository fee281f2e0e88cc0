package fhir

import (
	"fmt"
	"time"
)

// CapabilityPostProcessor rewrites an upstream CapabilityStatement before it
// is relayed to the client. The gateway is not the origin FHIR server — it
// forwards the upstream's own statement almost verbatim — but two things
// must change: the security block has to point at the gateway's own OAuth
// endpoints (clients authenticate against the gateway, never the upstream
// directly), and, when the active access-checker restricts which resource
// types it can ever authorize, those types the checker can never grant are
// dropped from the advertised resource list rather than left to 403 on
// first use.
type CapabilityPostProcessor struct {
	AuthorizeURL string
	TokenURL     string

	// AllowedResourceTypes, if non-empty, restricts the "resource" entries
	// of every "rest" element of the relayed statement to this set. A nil or empty map
	// leaves the upstream's resource list untouched.
	AllowedResourceTypes map[string]bool
}

// Process rewrites the decoded upstream CapabilityStatement in place and
// returns it. The input is the generic JSON form (map[string]interface{})
// rather than a narrow struct, since CapabilityStatement carries many
// fields the gateway has no reason to model and must not silently drop.
func (p *CapabilityPostProcessor) Process(statement map[string]interface{}) map[string]interface{} {
	if statement == nil {
		return nil
	}

	rests, _ := statement["rest"].([]interface{})
	for _, r := range rests {
		rest, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		rest["security"] = p.buildSecurity()
		if len(p.AllowedResourceTypes) > 0 {
			rest["resource"] = p.filterResources(rest["resource"])
		}
	}

	statement["date"] = time.Now().UTC().Format(time.RFC3339)
	return statement
}

func (p *CapabilityPostProcessor) filterResources(raw interface{}) interface{} {
	resources, ok := raw.([]interface{})
	if !ok {
		return raw
	}

	kept := make([]interface{}, 0, len(resources))
	for _, r := range resources {
		res, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		rt, _ := res["type"].(string)
		if p.AllowedResourceTypes[rt] {
			kept = append(kept, res)
		}
	}
	return kept
}

// buildSecurity constructs the SMART-on-FHIR security block advertised in
// place of the upstream's own, so discovery clients are pointed at the
// gateway's token endpoint rather than the upstream store's.
func (p *CapabilityPostProcessor) buildSecurity() map[string]interface{} {
	service := map[string]interface{}{
		"coding": []map[string]string{
			{
				"system":  "http://terminology.hl7.org/CodeSystem/restful-security-service",
				"code":    "SMART-on-FHIR",
				"display": "SMART on FHIR",
			},
		},
	}

	security := map[string]interface{}{
		"cors":        true,
		"service":     []map[string]interface{}{service},
		"description": "OAuth2 using SMART on FHIR profile (see http://docs.smarthealthit.org)",
	}

	if p.AuthorizeURL == "" && p.TokenURL == "" {
		return security
	}

	oauthExtensions := make([]map[string]string, 0, 2)
	if p.AuthorizeURL != "" {
		oauthExtensions = append(oauthExtensions, map[string]string{
			"url":      "authorize",
			"valueUri": p.AuthorizeURL,
		})
	}
	if p.TokenURL != "" {
		oauthExtensions = append(oauthExtensions, map[string]string{
			"url":      "token",
			"valueUri": p.TokenURL,
		})
	}

	security["extension"] = []map[string]interface{}{
		{
			"url":       "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
			"extension": oauthExtensions,
		},
	}
	return security
}

// ExtractFHIRVersion reads the fhirVersion field out of a decoded upstream
// CapabilityStatement, returning "" if absent or the document is otherwise
// malformed. ValidateIsFHIRVersion builds on it; the gateway's startup path
// does not call either.
func ExtractFHIRVersion(statement map[string]interface{}) string {
	v, _ := statement["fhirVersion"].(string)
	return v
}

// ValidateIsFHIRVersion returns an error if the decoded statement does not
// advertise the expected FHIR version.
func ValidateIsFHIRVersion(statement map[string]interface{}, want string) error {
	got := ExtractFHIRVersion(statement)
	if got != want {
		return fmt.Errorf("upstream advertises FHIR version %q, gateway requires %q", got, want)
	}
	return nil
}
