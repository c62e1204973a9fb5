package domain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// DefaultIdempotencyTTL bounds how long a stored response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

var resolvedKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ValidateResolvedKey enforces the only idempotency key form that may ever be
// persisted or compared: 16-128 chars of [A-Za-z0-9_-] with a first character
// that cannot start a spreadsheet formula. A violation at an internal boundary
// is a programming error; callers fail closed.
func ValidateResolvedKey(k string) error {
	if !resolvedKeyRe.MatchString(k) {
		return fmt.Errorf("%w: resolved key malformed", ErrInvalidIdempotencyKey)
	}
	switch k[0] {
	case '=', '+', '-', '@':
		return fmt.Errorf("%w: resolved key starts with a formula character", ErrInvalidIdempotencyKey)
	}
	return nil
}

// IdempotencyRecord is the stored response for a (tenant, resolved key) pair.
type IdempotencyRecord struct {
	TenantID     TenantID
	Key          string
	ResponseHash string
	Payload      []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// NewIdempotencyRecord builds a record for a stored response. The key must be
// in resolved form; a non-positive ttl falls back to DefaultIdempotencyTTL.
func NewIdempotencyRecord(tenant TenantID, key string, payload []byte, ttl time.Duration, now time.Time) (IdempotencyRecord, error) {
	if err := ValidateResolvedKey(key); err != nil {
		return IdempotencyRecord{}, err
	}
	h, err := ResponseHash(payload)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return IdempotencyRecord{
		TenantID:     tenant,
		Key:          key,
		ResponseHash: h,
		Payload:      payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// CanonicalJSON re-encodes a JSON document with object keys sorted, so that
// semantically equal payloads hash identically.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("op=idempotency.canonical: %w: payload is not valid JSON", ErrValidation)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.canonical: %w", err)
	}
	return b, nil
}

// ResponseHash is the SHA-256 hex digest of the canonical JSON form.
func ResponseHash(payload []byte) (string, error) {
	c, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// HashEqual compares two response hashes in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
