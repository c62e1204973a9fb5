package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	obsctx "github.com/fairyhunter13/listing-intake/internal/observability"
)

// Principal is the authenticated caller: the tenant the request acts on and
// the actor recorded on emitted events.
type Principal struct {
	Tenant  domain.TenantID
	ActorID string
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated principal placed in the
// context by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	pr, ok := ctx.Value(principalKey{}).(Principal)
	return pr, ok
}

// ContextWithPrincipal is exported for handler tests that bypass the
// middleware.
func ContextWithPrincipal(ctx context.Context, pr Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, pr)
}

// Authenticator verifies HS256 bearer tokens and binds the request to one of
// the tenants the token is entitled to.
type Authenticator struct {
	Secret   []byte
	Issuer   string
	Audience string
	Audit    *obsctx.AuditTrail
}

// NewAuthenticator builds the authenticator from config.
func NewAuthenticator(cfg config.Config, audit *obsctx.AuditTrail) Authenticator {
	return Authenticator{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Audit:    audit,
	}
}

// intakeClaims carries the tenant entitlement list next to the registered
// claim set.
type intakeClaims struct {
	Tenants []string `json:"tenants"`
	jwt.RegisteredClaims
}

// Middleware authenticates the request and resolves its tenant. The bearer
// token's tenants claim must contain the X-Tenant-Id header; a mismatch is a
// tenant isolation violation, audited and rejected with 403.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErrorEnvelope(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
			return
		}

		claims := &intakeClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims,
			func(*jwt.Token) (any, error) { return a.Secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(a.Issuer),
			jwt.WithAudience(a.Audience),
			jwt.WithExpirationRequired(),
		)
		if err != nil || !parsed.Valid {
			LoggerFrom(r).Warn("bearer token rejected", slog.Any("error", err))
			writeErrorEnvelope(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
			return
		}

		tenant, err := domain.NewTenantID(r.Header.Get("X-Tenant-Id"))
		if err != nil {
			writeErrorEnvelope(w, r, http.StatusBadRequest, "VALIDATION_ERROR", publicMessage(err))
			return
		}
		if !hasTenant(claims.Tenants, tenant.String()) {
			observability.RecordSecurityViolation(string(obsctx.AuditTenantMismatch))
			if a.Audit != nil {
				a.Audit.Record(r.Context(), obsctx.AuditRecord{
					Kind:     obsctx.AuditTenantMismatch,
					TenantID: tenant.String(),
					Route:    r.URL.Path,
					Detail:   "token not entitled to requested tenant",
				})
			}
			writeErrorEnvelope(w, r, http.StatusForbidden, "FORBIDDEN", "access denied")
			return
		}

		pr := Principal{Tenant: tenant, ActorID: claims.Subject}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), pr)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func hasTenant(entitled []string, tenant string) bool {
	for _, t := range entitled {
		if t == tenant {
			return true
		}
	}
	return false
}
