package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lumen/cmd/internal/authcode"
	"lumen/cmd/internal/metrics"
	"lumen/cmd/internal/session"
	v1 "lumen/shared/contracts/broker/v1"

	"github.com/stretchr/testify/require"
)

type adminEnv struct {
	ledger *authcode.Ledger
	srv    *httptest.Server
}

func newAdminEnv(t *testing.T, token string, readyErr error) *adminEnv {
	t.Helper()

	ledger, err := authcode.NewLedger(authcode.WithTTL(time.Minute))
	require.NoError(t, err)

	env := &adminEnv{ledger: ledger}
	mux := http.NewServeMux()
	registerAdmin(mux, discardLogger(), token, ledger, metrics.New(), func(context.Context) error { return readyErr })
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *adminEnv) post(t *testing.T, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/auth-codes", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdmin_IssueCode(t *testing.T) {
	t.Parallel()

	env := newAdminEnv(t, "", nil)
	resp := env.post(t, `{"identity":"widget-A","access":"admin"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var out v1.IssueCodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "widget-A", out.Identity)
	require.Equal(t, "admin", out.Access)
	require.WithinDuration(t, time.Now().Add(time.Minute), out.ExpiresAt, 5*time.Second)

	grant, ok := env.ledger.Consume(out.Code)
	require.True(t, ok)
	require.Equal(t, "widget-A", grant.Identity)
	require.Equal(t, session.Admin, grant.Level)

	_, ok = env.ledger.Consume(out.Code)
	require.False(t, ok, "codes are single use")
}

func TestAdmin_IssueCodeRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newAdminEnv(t, "", nil)

	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `identity=widget`},
		{name: "missing identity", body: `{"access":"guest"}`},
		{name: "blank identity", body: `{"identity":"  "}`},
		{name: "unknown access", body: `{"identity":"w","access":"root"}`},
		{name: "unknown field", body: `{"identity":"w","level":"admin"}`},
	}

	for _, tc := range cases {
		resp := env.post(t, tc.body, "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.name)
	}
	require.Zero(t, env.ledger.Len())
}

func TestAdmin_BearerToken(t *testing.T) {
	t.Parallel()

	env := newAdminEnv(t, "s3cret", nil)

	resp := env.post(t, `{"identity":"w"}`, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = env.post(t, `{"identity":"w"}`, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.post(t, `{"identity":"w"}`, "s3cret")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, 1, env.ledger.Len())
}

func TestAdmin_Probes(t *testing.T) {
	t.Parallel()

	env := newAdminEnv(t, "token-not-needed-for-probes", errNotLoaded)

	get := func(path string) int {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, get("/healthz"))
	require.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	require.Equal(t, http.StatusOK, get("/metrics"))
	require.Equal(t, http.StatusMethodNotAllowed, get("/v1/auth-codes"))
}

func TestAdmin_ReadyAfterLoad(t *testing.T) {
	t.Parallel()

	env := newAdminEnv(t, "", nil)

	resp, err := http.Get(env.srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer  abc ", want: "abc", ok: true},
		{header: "Basic abc"},
		{header: "Bearer "},
		{header: ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := bearerToken(r)
		require.Equal(t, tc.ok, ok, tc.header)
		require.Equal(t, tc.want, got, tc.header)
	}
}

func TestAdmin_WarnsWithoutToken(t *testing.T) {
	t.Parallel()

	ledger, err := authcode.NewLedger()
	require.NoError(t, err)

	for _, tc := range []struct {
		token string
		warn  bool
	}{
		{token: "", warn: true},
		{token: "s3cret", warn: false},
	} {
		var buf bytes.Buffer
		log := slog.New(slog.NewJSONHandler(&buf, nil))
		registerAdmin(http.NewServeMux(), log, tc.token, ledger, metrics.New(), func(context.Context) error { return nil })
		require.Equal(t, tc.warn, strings.Contains(buf.String(), `"msg":"admin.token.unset"`), "token=%q", tc.token)
	}
}
