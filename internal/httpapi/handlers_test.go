package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"abrahamoflondon.org/internal/access"
	"abrahamoflondon.org/internal/config"
	"abrahamoflondon.org/internal/keystore"
	"abrahamoflondon.org/internal/ratelimit"
	"abrahamoflondon.org/internal/record"
	"abrahamoflondon.org/internal/session"
)

const testAdminToken = "test-admin-token"

func newTestAPI(t *testing.T) *API {
	t.Helper()
	cfg := config.Config{
		AdminToken: testAdminToken,
		RateWindow: time.Minute,
		RateBlock:  5 * time.Minute,
		RateMax:    100,
	}
	keys, err := keystore.NewService(record.NewMemory())
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	sessions, err := session.NewService("0123456789abcdef0123456789abcdef", "entitlements-test")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	evaluator := access.NewEvaluator(access.Settings{})
	limiter := ratelimit.New()
	return New(cfg, keys, sessions, evaluator, limiter, ReadyProbe{}, "test")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:44123"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func issueTestKey(t *testing.T, handler http.Handler, email, tierName string) (secret, memberID string) {
	t.Helper()
	req := map[string]any{"email": email}
	if tierName != "" {
		req["metadata"] = map[string]string{"tier": tierName}
	}
	rr := doJSON(t, handler, http.MethodPost, "/v1/admin/keys", testAdminToken, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue key: status %d body %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	secret, _ = body["secret"].(string)
	memberID, _ = body["member_id"].(string)
	if secret == "" || memberID == "" {
		t.Fatalf("issue response missing fields: %v", body)
	}
	return secret, memberID
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestIssueRequiresAdminToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/v1/admin/keys", "", map[string]any{"email": "a@b.c"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodPost, "/v1/admin/keys", "wrong-token", map[string]any{"email": "a@b.c"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong token: status = %d", rr.Code)
	}
}

func TestRedeemFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	secret, memberID := issueTestKey(t, handler, "redeem@example.com", "plus")

	rr := doJSON(t, handler, http.MethodPost, "/v1/keys/redeem", "", map[string]any{"key": secret})
	if rr.Code != http.StatusOK {
		t.Fatalf("redeem: status %d body %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["member_id"] != memberID {
		t.Fatalf("member_id = %v", body["member_id"])
	}
	if body["tier"] != "plus" {
		t.Fatalf("tier = %v", body["tier"])
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("expected session token")
	}

	// The minted session carries the member's tier into access checks.
	rr = doJSON(t, handler, http.MethodPost, "/v1/access/check", token, map[string]any{
		"document": map[string]any{"slug": "essays/one", "tiers": []string{"plus"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("access check: status %d body %s", rr.Code, rr.Body.String())
	}
	decision := decodeBody(t, rr)
	if decision["allowed"] != true {
		t.Fatalf("expected allowed, got %v", decision)
	}
}

func TestRedeemRejectsUnknownKey(t *testing.T) {
	api := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodPost, "/v1/keys/redeem", "", map[string]any{"key": "aol_bogus"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != keystore.VerifyNotFound {
		t.Fatalf("body = %v", body)
	}
}

func TestRedeemRefusesRevokedMember(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	issueTestKey(t, handler, "banned@example.com", "")

	rr := doJSON(t, handler, http.MethodPost, "/v1/admin/members/revoke-all", testAdminToken, map[string]any{
		"email":  "banned@example.com",
		"reason": "chargeback",
	})
	if body := decodeBody(t, rr); body["revoked"] != float64(1) {
		t.Fatalf("revoke-all body = %v", body)
	}

	// Even a key issued after the bulk revocation cannot mint a session.
	secret, _ := issueTestKey(t, handler, "banned@example.com", "")
	rr = doJSON(t, handler, http.MethodPost, "/v1/keys/redeem", "", map[string]any{"key": secret})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("redeem: status %d body %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["status"] != "member_revoked" {
		t.Fatalf("body = %v", body)
	}
}

func TestVerifyEndpointReportsStatus(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	secret, _ := issueTestKey(t, handler, "verify@example.com", "")

	rr := doJSON(t, handler, http.MethodPost, "/v1/keys/verify", "", map[string]any{"key": secret})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["valid"] != true || body["status"] != keystore.VerifyValid {
		t.Fatalf("body = %v", body)
	}
	if strings.Contains(rr.Body.String(), secret) {
		t.Fatal("verify response must not echo the secret")
	}
}

func TestAccessCheckAnonymousGetsAuthRequired(t *testing.T) {
	api := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", "", map[string]any{
		"document":  map[string]any{"slug": "essays/gated", "tiers": []string{"basic"}},
		"return_to": "/essays/gated",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["allowed"] == true {
		t.Fatalf("expected denial, got %v", body)
	}
	if body["reason"] != string(access.ReasonAuthRequired) {
		t.Fatalf("reason = %v", body["reason"])
	}
	redirect, _ := body["redirect"].(string)
	if !strings.HasPrefix(redirect, "/login") || !strings.Contains(redirect, "returnTo") {
		t.Fatalf("redirect = %q", redirect)
	}
}

func TestAccessCheckPublicDocumentAllowsAnonymous(t *testing.T) {
	api := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", "", map[string]any{
		"document": map[string]any{"slug": "essays/open"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["allowed"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestAccessCheckRateLimitedDecision(t *testing.T) {
	api := newTestAPI(t)
	api.cfg.RateMax = 2
	handler := api.Handler()

	doc := map[string]any{"document": map[string]any{"slug": "essays/open"}}
	for i := 0; i < 2; i++ {
		rr := doJSON(t, handler, http.MethodPost, "/v1/access/check", "", doc)
		if body := decodeBody(t, rr); body["allowed"] != true {
			t.Fatalf("call %d: %v", i, body)
		}
	}
	rr := doJSON(t, handler, http.MethodPost, "/v1/access/check", "", doc)
	if rr.Code != http.StatusOK {
		t.Fatalf("limited call status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["allowed"] == true || body["reason"] != string(access.ReasonRateLimited) {
		t.Fatalf("expected rate_limited decision, got %v", body)
	}
	if redirect, _ := body["redirect"].(string); !strings.HasPrefix(redirect, "/rate-limited") {
		t.Fatalf("redirect = %v", body["redirect"])
	}
}

func TestAdminMemberLifecycle(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	secret, _ := issueTestKey(t, handler, "lifecycle@example.com", "")

	// list
	rr := doJSON(t, handler, http.MethodGet, "/v1/admin/members", testAdminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["count"] != float64(1) {
		t.Fatalf("list body = %v", body)
	}
	if strings.Contains(rr.Body.String(), "lifecycle@example.com") {
		t.Fatal("member list leaks plaintext email")
	}

	// keys for member
	rr = doJSON(t, handler, http.MethodGet, "/v1/admin/members/keys?email=lifecycle%40example.com", testAdminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("keys: status = %d", rr.Code)
	}
	keysBody := decodeBody(t, rr)
	keyList, _ := keysBody["keys"].([]any)
	if len(keyList) != 1 {
		t.Fatalf("keys body = %v", keysBody)
	}
	suffix, _ := keyList[0].(map[string]any)["suffix"].(string)
	if suffix == "" {
		t.Fatalf("missing suffix in %v", keyList[0])
	}

	// revoke by suffix
	rr = doJSON(t, handler, http.MethodPost, "/v1/admin/keys/revoke", testAdminToken, map[string]any{
		"email":  "lifecycle@example.com",
		"suffix": suffix,
		"reason": "support request",
	})
	if body := decodeBody(t, rr); body["revoked"] != true {
		t.Fatalf("revoke body = %v", body)
	}

	rr = doJSON(t, handler, http.MethodPost, "/v1/keys/verify", "", map[string]any{"key": secret})
	if body := decodeBody(t, rr); body["status"] != keystore.VerifyRevoked {
		t.Fatalf("verify after revoke = %v", body)
	}

	// delete member
	rr = doJSON(t, handler, http.MethodPost, "/v1/admin/members/delete", testAdminToken, map[string]any{
		"email": "lifecycle@example.com",
	})
	if body := decodeBody(t, rr); body["deleted"] != true {
		t.Fatalf("delete body = %v", body)
	}
	rr = doJSON(t, handler, http.MethodGet, "/v1/admin/members", testAdminToken, nil)
	if body := decodeBody(t, rr); body["count"] != float64(0) {
		t.Fatalf("post-delete list = %v", body)
	}
}

func TestAdminExportIsPrivacySafe(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	secret, _ := issueTestKey(t, handler, "export@example.com", "")

	rr := doJSON(t, handler, http.MethodGet, "/v1/admin/export", testAdminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	raw := rr.Body.String()
	if strings.Contains(raw, "export@example.com") {
		t.Fatal("export leaks plaintext email")
	}
	if strings.Contains(raw, secret) {
		t.Fatal("export leaks key secret")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodGet, "/v1/keys/redeem", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("Allow") != "POST" {
		t.Fatalf("Allow = %q", rr.Header().Get("Allow"))
	}
}
