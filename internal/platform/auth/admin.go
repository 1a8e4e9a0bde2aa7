package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/hanko-field/ordercore/internal/platform/httpx"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
)

const defaultAdminRole = "admin"

// AdminClaims are the claims carried by admin console bearer tokens.
type AdminClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AdminAuthenticator verifies HS256 admin bearer tokens.
type AdminAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	role     string
	observer VerificationObserver
	now      func() time.Time
}

// AdminOption customises AdminAuthenticator.
type AdminOption func(*AdminAuthenticator)

func WithIssuer(issuer string) AdminOption {
	return func(a *AdminAuthenticator) { a.issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) AdminOption {
	return func(a *AdminAuthenticator) { a.audience = strings.TrimSpace(audience) }
}

func WithRole(role string) AdminOption {
	return func(a *AdminAuthenticator) {
		if role = strings.TrimSpace(role); role != "" {
			a.role = role
		}
	}
}

func WithAdminObserver(observer VerificationObserver) AdminOption {
	return func(a *AdminAuthenticator) { a.observer = observer }
}

func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *AdminAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAdminAuthenticator(secret string, opts ...AdminOption) (*AdminAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: admin jwt secret is required")
	}
	a := &AdminAuthenticator{secret: []byte(secret), role: defaultAdminRole, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// RequireAdmin rejects requests without a valid admin bearer token and records the token
// subject as the admin actor.
func (a *AdminAuthenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims, err := a.Verify(bearerToken(r))
		if err != nil {
			status, code := http.StatusUnauthorized, "unauthenticated"
			if errors.Is(err, errForbidden) {
				status, code = http.StatusForbidden, "forbidden"
			}
			a.observe(false, code)
			httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), status))
			return
		}
		a.observe(true, "ok")
		ctx = requestctx.WithActor(ctx, requestctx.Actor{ID: claims.Subject, Kind: requestctx.ActorAdmin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var errForbidden = errors.New("token lacks admin role")

// Verify parses and validates token, returning its claims.
func (a *AdminAuthenticator) Verify(token string) (*AdminClaims, error) {
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	claims := &AdminClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.secret, nil })
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid bearer token")
	}
	now := a.now()
	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("bearer token expired")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, errors.New("unexpected token issuer")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return nil, errors.New("unexpected token audience")
	}
	if claims.Subject == "" {
		return nil, errors.New("bearer token missing subject")
	}
	if !strings.EqualFold(claims.Role, a.role) {
		return nil, errForbidden
	}
	return claims, nil
}

// Issue mints a token for subject. Used by tooling and tests.
func (a *AdminAuthenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := AdminClaims{
		Role: a.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AdminAuthenticator) observe(ok bool, reason string) {
	if a.observer != nil {
		a.observer.AuthVerification("admin_jwt", ok, reason)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
