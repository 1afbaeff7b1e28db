// Package httpapi is the HTTP boundary: routing, authentication, request
// decoding and the mapping from domain outcomes to status codes. All
// policy lives in the domain packages; handlers stay thin.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"abrahamoflondon.org/internal/access"
	"abrahamoflondon.org/internal/audit"
	"abrahamoflondon.org/internal/config"
	"abrahamoflondon.org/internal/keystore"
	"abrahamoflondon.org/internal/obs"
	"abrahamoflondon.org/internal/ratelimit"
	"abrahamoflondon.org/internal/session"
)

// ReadyProbe checks the dependencies that readiness should reflect.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	cfg       config.Config
	keys      *keystore.Service
	sessions  *session.Service
	evaluator *access.Evaluator
	limiter   *ratelimit.Limiter
}

// New wires the routing table. Every v1 route is registered here so the
// surface is readable in one place.
func New(cfg config.Config, keys *keystore.Service, sessions *session.Service, evaluator *access.Evaluator, limiter *ratelimit.Limiter, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		cfg:        cfg,
		keys:       keys,
		sessions:   sessions,
		evaluator:  evaluator,
		limiter:    limiter,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// membership keys
	a.mux.HandleFunc("/v1/keys/redeem", a.handleRedeem)
	a.mux.HandleFunc("/v1/keys/verify", a.handleVerify)
	a.mux.HandleFunc("/v1/keys/unlock", a.handleUnlock)
	a.mux.HandleFunc("/v1/keys/revoke", a.handleRevoke)

	// access decisions
	a.mux.HandleFunc("/v1/access/check", a.handleAccessCheck)

	// admin surface
	a.mux.HandleFunc("/v1/admin/keys", a.handleAdminIssueKey)
	a.mux.HandleFunc("/v1/admin/keys/revoke", a.handleAdminRevokeKey)
	a.mux.HandleFunc("/v1/admin/members", a.handleAdminMembers)
	a.mux.HandleFunc("/v1/admin/members/keys", a.handleAdminMemberKeys)
	a.mux.HandleFunc("/v1/admin/members/revoke-all", a.handleAdminRevokeAll)
	a.mux.HandleFunc("/v1/admin/members/delete", a.handleAdminDeleteMember)
	a.mux.HandleFunc("/v1/admin/export", a.handleAdminExport)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	if a.cfg.PreLimiterPerSec > 0 {
		h = RateLimit(h, a.cfg.PreLimiterBurst, a.cfg.PreLimiterPerSec)
	}
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "entitlements-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "entitlements-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleKeystoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, keystore.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, keystore.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "membership store unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
