package httpapi

import (
	"net/http"
	"strings"

	"abrahamoflondon.org/internal/access"
	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/ratelimit"
	"abrahamoflondon.org/internal/tier"
)

type accessCheckRequest struct {
	Document access.Document `json:"document"`

	// Viewer facts the calling site asserts per request. The site backend
	// calls this endpoint server-to-server, so subscription state it
	// vouches for is trusted and can satisfy the membership gate or lift
	// the resolved tier. Session-derived identity (member id, tier, roles)
	// still comes only from the bearer token.
	Country         string               `json:"country,omitempty"`
	Email           string               `json:"email,omitempty"`
	ViewCount       int                  `json:"view_count,omitempty"`
	ReturnTo        string               `json:"return_to,omitempty"`
	AllowRestricted *bool                `json:"allow_restricted,omitempty"`
	Subscription    *access.Subscription `json:"subscription,omitempty"`
}

// handleAccessCheck evaluates one document against the caller's session
// and the asserted viewer facts, and returns a decision with its
// remediation redirect. Every denial maps somewhere actionable.
func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Document.Slug) == "" {
		writeError(w, r, http.StatusBadRequest, "document.slug is required")
		return
	}

	actx := a.accessContext(r, req)

	if decision, limited := a.limitAccess(r, actx); limited {
		decision.Redirect = access.RedirectFor(decision, actx)
		writeJSON(w, http.StatusOK, decision)
		return
	}

	decision := a.evaluator.Evaluate(req.Document, actx)
	if !decision.Allowed {
		// An anonymous viewer is sent to login before any upgrade talk.
		if decision.Reason == access.ReasonInnerCircleRequired && actx.MemberID == "" && !actx.Membership {
			decision = access.Deny(access.ReasonAuthRequired)
		}
		decision.Redirect = access.RedirectFor(decision, actx)
	}
	writeJSON(w, http.StatusOK, decision)
}

// accessContext builds the per-request access context: session claims for
// identity, the request body for viewer facts.
func (a *API) accessContext(r *http.Request, req accessCheckRequest) access.Context {
	actx := access.Context{
		Tier:            tier.Public,
		Country:         req.Country,
		Email:           req.Email,
		ViewCount:       req.ViewCount,
		ReturnTo:        req.ReturnTo,
		AllowRestricted: req.AllowRestricted,
		Subscription:    req.Subscription,
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		actx.Tier = tier.Resolve(claims.Tier)
		actx.Membership = claims.Membership
		actx.MemberID = claims.Subject
		actx.Roles = claims.Roles
		for _, role := range claims.Roles {
			if strings.EqualFold(role, "internal") {
				actx.Internal = true
				break
			}
		}
	}
	return actx
}

// limitAccess applies the per-tier windowed limit. Known members are keyed
// by identity; anonymous viewers by anonymized address. A denial is a
// decision, not a transport error.
func (a *API) limitAccess(r *http.Request, actx access.Context) (access.Decision, bool) {
	if a.limiter == nil {
		return access.Decision{}, false
	}
	tierName := actx.Tier.String()
	rule := ratelimit.Rule{
		Window: a.cfg.RateWindow,
		Max:    a.cfg.RateMaxFor(tierName),
		Block:  a.cfg.RateBlock,
	}
	key := ratelimit.ByAddress(r.RemoteAddr)
	if actx.MemberID != "" {
		key = ratelimit.ByIdentity(actx.MemberID)
	}
	res := a.limiter.Check(key, rule, true)
	if res.Allowed {
		return access.Decision{}, false
	}
	obs.ObserveRateLimitDenial("access")
	decision := access.Deny(access.ReasonRateLimited)
	decision.RetryAfter = res.RetryAfter
	return decision, true
}
