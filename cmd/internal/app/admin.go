package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"lumen/cmd/internal/authcode"
	"lumen/cmd/internal/metrics"
	"lumen/cmd/internal/session"
	v1 "lumen/shared/contracts/broker/v1"
)

const maxAdminBody = 4 << 10

// readiness reports nil once the process can serve widgets.
type readiness func(ctx context.Context) error

// registerAdmin mounts the loopback admin API: probes, metrics and auth code issuance.
func registerAdmin(mux *http.ServeMux, log Logger, token string, ledger *authcode.Ledger, m *metrics.Metrics, ready readiness) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			log.Info("readyz.not_ready", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", m.Handler())

	if token == "" {
		log.Warn("admin.token.unset", "hint", "set LUMEN_ADMIN_TOKEN; any local process can issue admin codes")
	}
	mux.Handle("POST /v1/auth-codes", requireBearer(token, issueCodeHandler(log, ledger)))
}

func issueCodeHandler(log Logger, ledger *authcode.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req v1.IssueCodeRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		identity := strings.TrimSpace(req.Identity)
		if identity == "" {
			writeJSONError(w, http.StatusBadRequest, "identity is required")
			return
		}
		level, err := session.ParseAccessLevel(req.Access)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "access must be guest, settings or admin")
			return
		}

		code, err := ledger.Issue(identity, level)
		if err != nil {
			log.Error("authcode.issue.fail", "identity", identity, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "could not issue code")
			return
		}
		log.Info("authcode.issued", "identity", identity, "access", level.String(), "expires_at", code.ExpiresAt)

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusCreated, v1.IssueCodeResponse{
			Code:      code.Token,
			Identity:  code.Identity,
			Access:    code.Level.String(),
			ExpiresAt: code.ExpiresAt.UTC(),
		})
	})
}

// requireBearer guards next with a static bearer token. An empty token disables the check.
func requireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lumen-admin"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var errNotLoaded = errors.New("extensions not loaded")
