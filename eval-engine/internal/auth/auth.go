// Package auth identifies the principal resolving approvals from a bearer JWT.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const DevPrincipalHeader = "X-Local-Dev-Principal"

var ErrUnauthenticated = errors.New("authentication required")

type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
}

type Config struct {
	// Secret is the HS256 signing key. An empty secret disables verification.
	Secret        []byte
	Issuer        string
	RequiredScope string
	// AllowDevHeader trusts DevPrincipalHeader, for local runs only.
	AllowDevHeader bool
}

type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.cfg.Secret) > 0
}

// Verify parses an HS256 token and checks issuer, expiry and scope.
func (v *Verifier) Verify(tokenStr string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: token parse error: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	p := Principal{Subject: sub, Scopes: scopesFrom(claims)}
	if v.cfg.RequiredScope != "" && !slices.Contains(p.Scopes, v.cfg.RequiredScope) {
		return Principal{}, fmt.Errorf("%w: missing required scope %q", ErrUnauthenticated, v.cfg.RequiredScope)
	}
	return p, nil
}

// scopesFrom accepts a space separated "scope" claim or a "roles" array.
func scopesFrom(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok {
		return strings.Fields(scope)
	}
	var out []string
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Authenticate resolves the principal for r.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if v.cfg.AllowDevHeader {
		if dev := r.Header.Get(DevPrincipalHeader); dev != "" {
			return Principal{Subject: dev}, nil
		}
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, fmt.Errorf("%w: bearer token missing", ErrUnauthenticated)
	}
	return v.Verify(strings.TrimPrefix(header, "Bearer "))
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal on the request context. It is a pass-through when verification
// is disabled.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() && !v.cfg.AllowDevHeader {
			next.ServeHTTP(w, r)
			return
		}
		p, err := v.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
