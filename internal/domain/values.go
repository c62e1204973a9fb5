package domain

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TenantID is the canonical tenant identifier: lowercase, NFKC-normalized,
// matching t_[a-z0-9_]{1,47}. Produced only by NewTenantID.
type TenantID string

var tenantIDRe = regexp.MustCompile(`^t_[a-z0-9_]{1,47}$`)

// NewTenantID normalizes (NFKC, lowercase) and validates a raw tenant id.
// Control and format characters are rejected before normalization can mask them.
func NewTenantID(raw string) (TenantID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: tenant id required", ErrValidation)
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return "", fmt.Errorf("%w: tenant id contains control or format characters", ErrValidation)
		}
	}
	s = strings.ToLower(norm.NFKC.String(s))
	if !tenantIDRe.MatchString(s) {
		return "", fmt.Errorf("%w: tenant id must match t_[a-z0-9_]{1,47}", ErrValidation)
	}
	return TenantID(s), nil
}

func (t TenantID) String() string { return string(t) }

// JobType enumerates the job kinds the intake accepts.
type JobType string

const (
	JobTypeValidation JobType = "validation"
	JobTypeCorrection JobType = "correction"
	JobTypeEnrichment JobType = "enrichment"
)

func ParseJobType(s string) (JobType, error) {
	switch JobType(strings.ToLower(strings.TrimSpace(s))) {
	case JobTypeValidation:
		return JobTypeValidation, nil
	case JobTypeCorrection:
		return JobTypeCorrection, nil
	case JobTypeEnrichment:
		return JobTypeEnrichment, nil
	}
	return "", fmt.Errorf("%w: job type must be one of validation, correction, enrichment", ErrValidation)
}

var (
	sellerIDRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	channelRe      = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	rulesProfileRe = regexp.MustCompile(`^[a-z_]+@\d+\.\d+\.\d+$`)
)

// NewSellerID validates a seller identifier (1-100 chars, alphanumeric plus _-).
func NewSellerID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !sellerIDRe.MatchString(s) {
		return "", fmt.Errorf("%w: seller id must be 1-100 chars of [A-Za-z0-9_-]", ErrValidation)
	}
	return s, nil
}

// NewChannel normalizes a marketplace channel name to lowercase and validates it.
func NewChannel(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !channelRe.MatchString(s) {
		return "", fmt.Errorf("%w: channel must match [a-z0-9][a-z0-9_-]{0,63}", ErrValidation)
	}
	return s, nil
}

// NewRulesProfileID validates the channel@MAJOR.MINOR.PATCH profile reference.
func NewRulesProfileID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !rulesProfileRe.MatchString(s) {
		return "", fmt.Errorf("%w: rules profile id must match name@MAJOR.MINOR.PATCH", ErrValidation)
	}
	return s, nil
}

// blockedExtensions are file suffixes never accepted as job input references.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".zip": {}, ".bat": {}, ".cmd": {},
	".sh": {}, ".dll": {}, ".com": {}, ".scr": {},
}

const maxRefLen = 2048

// NewFileRef validates the input file URL. Traversal sequences and blocked
// extensions are security violations, not plain validation failures, so the
// boundary can emit an audit record. The returned error never includes the raw
// reference.
func NewFileRef(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: file_ref required", ErrValidation)
	}
	if len(s) > maxRefLen {
		return "", fmt.Errorf("%w: file_ref too long", ErrValidation)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: file_ref contains control characters", ErrValidation)
		}
	}
	if strings.Contains(s, `\`) {
		return "", fmt.Errorf("%w: file_ref contains path traversal", ErrSecurityViolation)
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: file_ref is not a valid URL", ErrValidation)
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return "", fmt.Errorf("%w: file_ref scheme must be http, https or s3", ErrValidation)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: file_ref host required", ErrValidation)
	}
	// u.Path is the decoded form, so percent-encoded dot segments are caught too.
	if strings.Contains(u.Path, "..") {
		return "", fmt.Errorf("%w: file_ref contains path traversal", ErrSecurityViolation)
	}
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
		if _, blocked := blockedExtensions[ext]; blocked {
			return "", fmt.Errorf("%w: file_ref extension is not allowed", ErrSecurityViolation)
		}
	}
	return s, nil
}

// NewCallbackURL validates an optional completion callback. Delivery is out of
// scope; the URL is stored for downstream consumers.
func NewCallbackURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if len(s) > maxRefLen {
		return "", fmt.Errorf("%w: callback_url too long", ErrValidation)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("%w: callback_url must be an absolute https URL", ErrValidation)
	}
	if strings.Contains(u.Path, "..") {
		return "", fmt.Errorf("%w: callback_url contains path traversal", ErrSecurityViolation)
	}
	return s, nil
}

// Reserved metadata keys managed by the intake itself.
const (
	MetaRetryOf    = "retry_of"
	MetaRetryDepth = "retry_depth"
)

const (
	maxMetadataKeys   = 20
	maxMetadataKeyLen = 64
	maxMetadataValLen = 512
)

// ValidateMetadata checks client-supplied metadata. Reserved keys are rejected
// so callers cannot forge retry lineage.
func ValidateMetadata(md map[string]string) error {
	if len(md) > maxMetadataKeys {
		return fmt.Errorf("%w: metadata exceeds %d keys", ErrValidation, maxMetadataKeys)
	}
	for k, v := range md {
		if k == MetaRetryOf || k == MetaRetryDepth {
			return fmt.Errorf("%w: metadata key %q is reserved", ErrValidation, k)
		}
		if k == "" || len(k) > maxMetadataKeyLen || len(v) > maxMetadataValLen {
			return fmt.Errorf("%w: metadata key or value out of bounds", ErrValidation)
		}
		for _, r := range k + v {
			if unicode.IsControl(r) {
				return fmt.Errorf("%w: metadata contains control characters", ErrValidation)
			}
		}
	}
	return nil
}

// Counters tracks per-job progress totals.
// Invariants: all non-negative, Processed <= Total, Errors+Warnings <= Processed.
type Counters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Warnings  int `json:"warnings"`
}

func (c Counters) Validate() error {
	if c.Total < 0 || c.Processed < 0 || c.Errors < 0 || c.Warnings < 0 {
		return fmt.Errorf("%w: counters must be non-negative", ErrValidation)
	}
	if c.Processed > c.Total {
		return fmt.Errorf("%w: processed exceeds total", ErrValidation)
	}
	if c.Errors+c.Warnings > c.Processed {
		return fmt.Errorf("%w: errors plus warnings exceed processed", ErrValidation)
	}
	return nil
}
