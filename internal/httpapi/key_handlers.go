package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"abrahamoflondon.org/internal/keystore"
	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/ratelimit"
	"abrahamoflondon.org/internal/tier"
)

type redeemRequest struct {
	Key string `json:"key"`
}

type verifyRequest struct {
	Key string `json:"key"`
}

type unlockRequest struct {
	Key     string            `json:"key"`
	Context map[string]string `json:"context,omitempty"`
}

type revokeRequest struct {
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"`
}

type issueKeyRequest struct {
	Email    string            `json:"email"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleRedeem exchanges a valid membership key for a session token.
func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.limitEndpoint(w, r, "redeem") {
		return
	}

	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	v, err := a.keys.VerifyKey(r.Context(), req.Key)
	if err != nil {
		handleKeystoreError(w, r, err)
		return
	}
	if !v.Valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status": v.Status,
		})
		return
	}
	if v.MemberStatus == keystore.MemberStatusRevoked {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status": "member_revoked",
		})
		return
	}

	memberTier := a.memberTier(v.MemberID)
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sessions disabled")
		return
	}
	token, expiresAt, err := a.sessions.Mint(v.MemberID, memberTier, nil, true)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.audit(r.Context(), "keys.redeem", map[string]any{
		"member_id":  v.MemberID,
		"key_suffix": v.KeySuffix,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
		"member_id":  v.MemberID,
		"tier":       memberTier,
	})
}

// memberTier resolves the tier to stamp into a session. Members carry
// their tier in metadata; anyone without one holds a basic key.
func (a *API) memberTier(memberID string) string {
	if meta := a.keys.MemberMetadata(memberID); meta != nil {
		if raw, ok := meta["tier"]; ok {
			return tier.Resolve(raw).String()
		}
	}
	return tier.Basic.String()
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.limitEndpoint(w, r, "verify") {
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	v, err := a.keys.VerifyKey(r.Context(), req.Key)
	if err != nil {
		handleKeystoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.limitEndpoint(w, r, "unlock") {
		return
	}

	var req unlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	v, err := a.keys.RecordUnlock(r.Context(), req.Key, req.Context)
	if err != nil {
		handleKeystoreError(w, r, err)
		return
	}
	if !v.Valid {
		writeJSON(w, http.StatusUnauthorized, v)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.limitEndpoint(w, r, "revoke") {
		return
	}

	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "revoked by owner"
	}

	revoked := a.keys.RevokeKey(r.Context(), req.Key, "owner", reason)
	if revoked {
		a.audit(r.Context(), "keys.revoke", map[string]any{
			"by": "owner",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked": revoked,
	})
}

func (a *API) handleAdminIssueKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	var req issueKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	issued, err := a.keys.IssueKey(r.Context(), req.Email, req.Name, req.Metadata)
	if err != nil {
		handleKeystoreError(w, r, err)
		return
	}

	a.audit(r.Context(), "keys.issue", map[string]any{
		"member_id":  issued.MemberID,
		"key_suffix": issued.Suffix,
	})
	// The secret appears in this response and nowhere else, ever.
	writeJSON(w, http.StatusCreated, issued)
}

// limitEndpoint applies the windowed per-endpoint limit keyed by the
// anonymized client address. Limiter failures never block requests.
func (a *API) limitEndpoint(w http.ResponseWriter, r *http.Request, scope string) bool {
	if a.limiter == nil {
		return true
	}
	rule := ratelimit.Rule{
		Window: a.cfg.RateWindow,
		Max:    a.cfg.RateMax,
		Block:  a.cfg.RateBlock,
	}
	res := a.limiter.Check(ratelimit.ByEndpoint(scope, r.RemoteAddr), rule, true)
	if res.Allowed {
		return true
	}
	obs.ObserveRateLimitDenial(scope)
	retry := int(res.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
