package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// IdempotencyRepo stores submission responses keyed by (tenant, resolved key).
type IdempotencyRepo struct{ Pool PgxPool }

// NewIdempotencyRepo constructs an IdempotencyRepo with the given pool.
func NewIdempotencyRepo(p PgxPool) *IdempotencyRepo { return &IdempotencyRepo{Pool: p} }

const idemColumns = `tenant_id, idem_key, response_hash, payload, created_at, expires_at`

func scanIdemRecord(row rowScanner) (*domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		tenant string
	)
	if err := row.Scan(&tenant, &rec.Key, &rec.ResponseHash, &rec.Payload, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	rec.TenantID = domain.TenantID(tenant)
	return &rec, nil
}

// Get returns the stored record or nil when absent. Expired records are
// removed lazily and reported as absent.
func (s *IdempotencyRepo) Get(ctx domain.Context, tenant domain.TenantID, key string) (*domain.IdempotencyRecord, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Get")
	defer span.End()

	q := `SELECT ` + idemColumns + ` FROM idempotency_records WHERE tenant_id=$1 AND idem_key=$2`
	rec, err := scanIdemRecord(s.Pool.QueryRow(ctx, q, tenant.String(), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=idempotency.get: %w", classify(err))
	}

	now := time.Now().UTC()
	if rec.Expired(now) {
		// Best-effort lazy removal; the guard keeps a concurrent refresh alive.
		dq := `DELETE FROM idempotency_records WHERE tenant_id=$1 AND idem_key=$2 AND expires_at <= $3`
		if _, dErr := s.Pool.Exec(ctx, dq, tenant.String(), key, now); dErr != nil {
			return nil, fmt.Errorf("op=idempotency.expire: %w", classify(dErr))
		}
		return nil, nil
	}
	return rec, nil
}

// Put is atomic insert-if-absent. A live record with an equal response hash
// is returned as-is; a differing hash raises ErrIdempotencyConflict.
func (s *IdempotencyRepo) Put(ctx domain.Context, tenant domain.TenantID, key string, payload []byte, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Put")
	defer span.End()

	// Two rounds cover the window where a competing record expires between
	// our losing insert and the re-read.
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := domain.NewIdempotencyRecord(tenant, key, payload, ttl, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("op=idempotency.put: %w", err)
		}

		q := `INSERT INTO idempotency_records (` + idemColumns + `)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, idem_key) DO UPDATE
			SET response_hash=EXCLUDED.response_hash, payload=EXCLUDED.payload,
				created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= $5`
		tag, err := s.Pool.Exec(ctx, q,
			rec.TenantID.String(), rec.Key, rec.ResponseHash, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("op=idempotency.put: %w", classify(err))
		}
		if tag.RowsAffected() > 0 {
			return &rec, nil
		}

		existing, err := s.Get(ctx, tenant, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		if domain.HashEqual(existing.ResponseHash, rec.ResponseHash) {
			return existing, nil
		}
		return nil, fmt.Errorf("op=idempotency.put: %w", domain.ErrIdempotencyConflict)
	}
	return nil, fmt.Errorf("op=idempotency.put: %w", domain.ErrIdempotencyConflict)
}

// Delete removes the record and reports whether one existed.
func (s *IdempotencyRepo) Delete(ctx domain.Context, tenant domain.TenantID, key string) (bool, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Delete")
	defer span.End()

	tag, err := s.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE tenant_id=$1 AND idem_key=$2`, tenant.String(), key)
	if err != nil {
		return false, fmt.Errorf("op=idempotency.delete: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired deletes up to limit expired records and returns how many went.
func (s *IdempotencyRepo) PurgeExpired(ctx domain.Context, now time.Time, limit int) (int64, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.PurgeExpired")
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}
	q := `DELETE FROM idempotency_records WHERE (tenant_id, idem_key) IN (
		SELECT tenant_id, idem_key FROM idempotency_records WHERE expires_at <= $1 LIMIT $2
	)`
	tag, err := s.Pool.Exec(ctx, q, now, limit)
	if err != nil {
		return 0, fmt.Errorf("op=idempotency.purge: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}
