// Package idemkey canonicalizes client-supplied idempotency keys into the
// single resolved form the rest of the system persists and compares. The
// resolver is pure: same inputs, same output, no I/O.
package idemkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// Mode selects how legacy raw keys (wrong length, disallowed characters, or a
// formula-leading first byte) are handled.
type Mode string

const (
	// ModeCanonicalize derives a safe key from the raw bytes. Default.
	ModeCanonicalize Mode = "canonicalize"
	// ModeReject refuses legacy keys outright.
	ModeReject Mode = "reject"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCanonicalize, "":
		return ModeCanonicalize, nil
	case ModeReject:
		return ModeReject, nil
	}
	return "", fmt.Errorf("%w: compat mode must be canonicalize or reject", domain.ErrValidation)
}

// MaxRawKeyBytes caps the raw header value the extraction layer hands over.
const MaxRawKeyBytes = 1024

var fastPathRe = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Resolver derives resolved idempotency keys from untrusted raw input.
type Resolver struct {
	mode Mode
}

func NewResolver(mode Mode) Resolver {
	if mode == "" {
		mode = ModeCanonicalize
	}
	return Resolver{mode: mode}
}

func (r Resolver) Mode() Mode { return r.mode }

// Resolve maps a raw key to its resolved form within the (tenant, scope)
// namespace. Empty or whitespace raw input yields a generated key. A fast-path
// key (already in the secure alphabet and length, safe first char) is returned
// unchanged to preserve explicit client intent. Anything else is legacy and is
// either canonicalized or rejected depending on the mode; the returned error
// never carries the raw bytes.
func (r Resolver) Resolve(raw []byte, tenant domain.TenantID, method, routeTemplate string) (string, error) {
	scope := ScopeHash(method, routeTemplate)

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		id, err := randomID()
		if err != nil {
			return "", fmt.Errorf("op=idemkey.resolve: %w", err)
		}
		return derive(tenant, scope, id), nil
	}

	if fastPathRe.MatchString(trimmed) && !formulaLeading(trimmed[0]) {
		return trimmed, nil
	}

	if r.mode == ModeReject {
		return "", fmt.Errorf("op=idemkey.resolve: %w", domain.ErrInvalidIdempotencyKey)
	}
	return derive(tenant, scope, trimmed), nil
}

// ScopeHash partitions the idempotency namespace by HTTP scope: the first
// 8 hex chars of SHA-256 over UPPER(method) ":" route-template.
func ScopeHash(method, routeTemplate string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(method) + ":" + routeTemplate))
	return hex.EncodeToString(sum[:])[:8]
}

// derive computes base64url(SHA256(tenant ":" scope ":" material))[:22] with a
// safe-first-char prefix. The output always passes domain.ValidateResolvedKey.
func derive(tenant domain.TenantID, scope, material string) string {
	sum := sha256.Sum256([]byte(tenant.String() + ":" + scope + ":" + material))
	k := base64.RawURLEncoding.EncodeToString(sum[:])[:22]
	if formulaLeading(k[0]) {
		k = "k" + k
	}
	return k
}

func formulaLeading(b byte) bool {
	switch b {
	case '=', '+', '-', '@':
		return true
	}
	return false
}

func randomID() (string, error) {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:]), nil
}
