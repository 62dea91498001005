package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/auth"
)

var secret = []byte("test-secret")

func sign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "reviewer@example.com",
		"iss":   "governance",
		"scope": "agents:read approvals:resolve",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := auth.NewVerifier(auth.Config{Secret: secret, Issuer: "governance", RequiredScope: "approvals:resolve"})

	p, err := v.Verify(sign(t, secret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "reviewer@example.com", p.Subject)
	assert.Contains(t, p.Scopes, "approvals:resolve")
}

func TestVerifyRejects(t *testing.T) {
	v := auth.NewVerifier(auth.Config{Secret: secret, Issuer: "governance", RequiredScope: "approvals:resolve"})

	cases := map[string]func() string{
		"wrong key": func() string { return sign(t, []byte("other"), validClaims()) },
		"expired": func() string {
			c := validClaims()
			c["exp"] = time.Now().Add(-time.Minute).Unix()
			return sign(t, secret, c)
		},
		"no expiry": func() string {
			c := validClaims()
			delete(c, "exp")
			return sign(t, secret, c)
		},
		"wrong issuer": func() string {
			c := validClaims()
			c["iss"] = "someone-else"
			return sign(t, secret, c)
		},
		"missing scope": func() string {
			c := validClaims()
			c["scope"] = "agents:read"
			return sign(t, secret, c)
		},
		"no subject": func() string {
			c := validClaims()
			delete(c, "sub")
			return sign(t, secret, c)
		},
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok())
			assert.ErrorIs(t, err, auth.ErrUnauthenticated)
		})
	}
}

func TestVerifyAcceptsRolesClaim(t *testing.T) {
	v := auth.NewVerifier(auth.Config{Secret: secret, RequiredScope: "approver"})
	c := validClaims()
	delete(c, "scope")
	c["roles"] = []string{"viewer", "approver"}

	p, err := v.Verify(sign(t, secret, c))
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer", "approver"}, p.Scopes)
}

func TestMiddleware(t *testing.T) {
	v := auth.NewVerifier(auth.Config{Secret: secret})
	var seen string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		require.True(t, ok)
		seen = p.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/approvals/x/resolve", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/approvals/x/resolve", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "reviewer@example.com", seen)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	v := auth.NewVerifier(auth.Config{})
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := auth.PrincipalFromContext(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, v.Enabled())
}

func TestMiddlewareDevHeader(t *testing.T) {
	v := auth.NewVerifier(auth.Config{AllowDevHeader: true})
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		w.Write([]byte(p.Subject))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.DevPrincipalHeader, "local-dev")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "local-dev", rec.Body.String())
}
