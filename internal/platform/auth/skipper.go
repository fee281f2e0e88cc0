package auth

import (
	"github.com/labstack/echo/v4"
)

// WellKnownSmartConfigPath is the one route the Authorization Pipeline
// serves before token verification even runs (§4.7 step 1): it streams the
// cached SMART configuration document and returns, the same way the
// teacher's skipper let health checks and metrics bypass auth entirely.
// Unlike the teacher's skipper, `/metadata` is NOT in this set — §4.7 step
// 4 only swaps in the Capability decision after the token has already been
// verified in step 3, so a request for the CapabilityStatement still needs
// a valid bearer token.
const WellKnownSmartConfigPath = "/.well-known/smart-configuration"

// AuthSkipper returns true for requests whose path should bypass token
// verification entirely. It is an echo.Context wrapper around IsPublicPath;
// the Authorization Pipeline is a plain http.Handler and calls IsPublicPath
// directly.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the given path bypasses token verification.
func IsPublicPath(path string) bool {
	return path == WellKnownSmartConfigPath
}
