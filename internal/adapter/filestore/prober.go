// Package filestore probes job file references before intake. The probe
// checks that the reference answers, that it is not oversized, and that the
// first bytes do not belong to an executable or archive hiding behind a data
// extension. It never downloads or parses the file body.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

const sniffLen = 512

// Content types that end a submission regardless of what the URL claims.
var maskedContentTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/zip",
	"application/x-7z-compressed",
	"application/x-rar-compressed",
}

// Prober implements domain.FileChecker over HTTP. A breaker guards the origin:
// when it opens the probe is skipped and the submission proceeds, mirroring
// the rate limiter's fail-open stance.
type Prober struct {
	client   *http.Client
	maxBytes int64
	breaker  *observability.CircuitBreaker
}

// NewProber builds a prober with an instrumented transport.
func NewProber(timeout time.Duration, maxBytes int64) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBytes: maxBytes,
		breaker:  observability.NewCircuitBreaker("file_probe", 5, 30*time.Second),
	}
}

// Check probes fileRef. It returns nil for a live, plausible reference,
// ErrBusinessRule for unreachable or oversized ones, and ErrSecurityViolation
// when the content is a masked executable or archive.
func (p *Prober) Check(ctx domain.Context, fileRef string) error {
	var verdict error
	callErr := p.breaker.Call(func() error {
		v, transportErr := p.probe(ctx, fileRef)
		verdict = v
		return transportErr
	})
	if errors.Is(callErr, observability.ErrCircuitOpen) {
		slog.Warn("file probe skipped, breaker open")
		observability.RecordFileProbe("skipped")
		return nil
	}
	if callErr != nil {
		observability.RecordFileProbe("unreachable")
		return fmt.Errorf("%w: file reference did not respond", domain.ErrBusinessRule)
	}
	switch {
	case verdict == nil:
		observability.RecordFileProbe("ok")
	case errors.Is(verdict, domain.ErrSecurityViolation):
		observability.RecordFileProbe("masquerade")
	default:
		observability.RecordFileProbe("rejected")
	}
	return verdict
}

// probe separates transport failures (returned as error, counted by the
// breaker) from deterministic rejections (returned as verdict).
func (p *Prober) probe(ctx domain.Context, fileRef string) (error, error) {
	headStatus, headLen, err := p.head(ctx, fileRef)
	if err != nil {
		return nil, err
	}

	headSupported := headStatus != http.StatusMethodNotAllowed && headStatus != http.StatusNotImplemented
	if headSupported {
		if headStatus < 200 || headStatus >= 300 {
			return fmt.Errorf("%w: file reference answered %d", domain.ErrBusinessRule, headStatus), nil
		}
		if p.maxBytes > 0 && headLen > p.maxBytes {
			return fmt.Errorf("%w: file reference exceeds size limit", domain.ErrBusinessRule), nil
		}
	}

	return p.sniff(ctx, fileRef, headSupported)
}

func (p *Prober) head(ctx domain.Context, fileRef string) (int, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileRef, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, resp.ContentLength, nil
}

// sniff issues a ranged GET and inspects the leading bytes. When HEAD was
// unsupported this request also carries the liveness and size checks.
func (p *Prober) sniff(ctx domain.Context, fileRef string, headSupported bool) (error, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileRef, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffLen-1))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: file reference answered %d", domain.ErrBusinessRule, resp.StatusCode), nil
	}
	if !headSupported && p.maxBytes > 0 {
		if total := totalSize(resp); total > p.maxBytes {
			return fmt.Errorf("%w: file reference exceeds size limit", domain.ErrBusinessRule), nil
		}
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, sniffLen))
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, nil
	}

	detected := mimetype.Detect(buf)
	for _, masked := range maskedContentTypes {
		if detected.Is(masked) {
			return fmt.Errorf("%w: file content does not match its extension", domain.ErrSecurityViolation), nil
		}
	}
	return nil, nil
}

// totalSize extracts the full object size from a ranged response. A 206 says
// "bytes 0-511/12345"; a 200 means the server ignored the range header and
// Content-Length is the whole file.
func totalSize(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusOK {
		return resp.ContentLength
	}
	cr := resp.Header.Get("Content-Range")
	if idx := strings.LastIndex(cr, "/"); idx >= 0 && idx+1 < len(cr) {
		if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
			return total
		}
	}
	return -1
}
