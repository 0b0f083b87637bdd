/*
auth.go - Bearer token authentication and principal scoping

PURPOSE:
  Turns an HS256 JWT into a ledger.Principal. The ledger only knows about
  scopes; this file owns the mapping from role to scope:

    admin              all bases
    logistics_officer  all bases
    base_commander     the base named in the base_id claim

CLAIMS:
  sub      principal id, recorded as the actor on every event
  role     one of the roles above
  base_id  required for base_commander, ignored otherwise
  iss      checked when an issuer is configured

SEE ALSO:
  - ledger/scope.go: Principal and scope checks
  - server.go: Where the middleware is mounted
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/asset-ledger/ledger"
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role   string `json:"role"`
	BaseID string `json:"base_id,omitempty"`
}

// Principal maps the claims to a scoped ledger principal.
func (c Claims) Principal() (ledger.Principal, error) {
	role := ledger.Role(c.Role)
	if !role.Valid() {
		return ledger.Principal{}, fmt.Errorf("unknown role %q", c.Role)
	}
	if c.Subject == "" {
		return ledger.Principal{}, errors.New("missing subject")
	}
	p := ledger.Principal{ID: c.Subject, Role: role}
	if role == ledger.RoleBaseCommander {
		if c.BaseID == "" {
			return ledger.Principal{}, errors.New("base_commander token without base_id")
		}
		p.Bases = []ledger.BaseID{ledger.BaseID(c.BaseID)}
	}
	return p, nil
}

type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for subject. Used by the CLI and tests.
func (a *Authenticator) Issue(subject string, role ledger.Role, base ledger.BaseID, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:   string(role),
		BaseID: string(base),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates the signature, expiry and issuer and returns the principal.
func (a *Authenticator) Parse(token string) (ledger.Principal, error) {
	if len(a.secret) == 0 {
		return ledger.Principal{}, errors.New("jwt secret is empty")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return ledger.Principal{}, err
	}
	if !parsed.Valid {
		return ledger.Principal{}, errors.New("invalid token")
	}
	return claims.Principal()
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		who, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), who)))
	})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, who ledger.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, who)
}

// PrincipalFrom returns the authenticated principal, false when the request
// did not pass through the middleware.
func PrincipalFrom(ctx context.Context) (ledger.Principal, bool) {
	who, ok := ctx.Value(principalKey{}).(ledger.Principal)
	return who, ok
}
