package access

import (
	"net/url"
	"strings"
)

// Remediation destinations. Every denial maps to a specific next step; a
// bare 403 is never shown.
const (
	pathLogin       = "/login"
	pathInnerCircle = "/inner-circle"
	pathUpgrade     = "/membership/upgrade"
	pathDenied      = "/access-denied"
	pathMaintenance = "/maintenance"
	pathGeoBlocked  = "/unavailable-region"
	pathRateLimited = "/rate-limited"
)

// RedirectFor maps a decision to its canonical remediation destination,
// stamping a returnTo parameter when the context carries one. Pure and
// total: unknown reasons fall back to the access-denied page, and allowed
// decisions return their own redirect (or empty).
func RedirectFor(decision Decision, ctx Context) string {
	if decision.Allowed {
		return decision.Redirect
	}

	var path string
	params := url.Values{}

	switch decision.Reason {
	case ReasonAuthRequired:
		path = pathLogin
	case ReasonInnerCircleRequired:
		path = pathInnerCircle
	case ReasonInsufficientTier:
		path = pathUpgrade
		if decision.RequiredTier != "" {
			params.Set("tier", decision.RequiredTier)
		}
	case ReasonMaintenanceMode:
		path = pathMaintenance
	case ReasonGeoBlocked:
		path = pathGeoBlocked
	case ReasonRateLimited:
		path = pathRateLimited
	default:
		path = pathDenied
	}

	if returnTo := strings.TrimSpace(ctx.ReturnTo); returnTo != "" {
		params.Set("returnTo", returnTo)
	}
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
