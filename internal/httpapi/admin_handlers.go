package httpapi

import (
	"net/http"
	"strings"
)

type adminRevokeKeyRequest struct {
	Email  string `json:"email"`
	Suffix string `json:"suffix"`
	Reason string `json:"reason,omitempty"`
}

type adminMemberRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}

// handleAdminMembers lists or searches members. Output is the privacy-safe
// summary view only.
func (a *API) handleAdminMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	query := r.URL.Query().Get("q")
	members := a.keys.SearchMembers(query)
	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"count":   len(members),
	})
}

func (a *API) handleAdminMemberKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "email query parameter is required")
		return
	}
	keys := a.keys.KeysForMember(email)
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (a *API) handleAdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	var req adminRevokeKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Suffix) == "" {
		writeError(w, r, http.StatusBadRequest, "email and suffix are required")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "revoked by admin"
	}

	revoked := a.keys.RevokeKeyForMember(r.Context(), req.Email, req.Suffix, "admin", reason)
	if revoked {
		a.audit(r.Context(), "admin.key.revoke", map[string]any{
			"key_suffix": req.Suffix,
			"reason":     reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked": revoked,
	})
}

func (a *API) handleAdminRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	var req adminMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "revoked by admin"
	}

	count := a.keys.RevokeAllForMember(r.Context(), req.Email, "admin", reason)
	if count > 0 {
		a.audit(r.Context(), "admin.member.revoke_all", map[string]any{
			"revoked": count,
			"reason":  reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked": count,
	})
}

// handleAdminDeleteMember is the privacy-erasure entry point: hard,
// irreversible, and deliberately POST-only with an explicit body.
func (a *API) handleAdminDeleteMember(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	var req adminMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	deleted := a.keys.DeleteMember(r.Context(), req.Email)
	if deleted {
		a.audit(r.Context(), "admin.member.delete", nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
	})
}

func (a *API) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, a.keys.Export())
}
