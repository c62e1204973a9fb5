package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// JobRepo persists and loads job aggregates from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, tenant_id, seller_id, channel, job_type, status, file_ref, rules_profile_id, callback_url, idempotency_key, last_error, counters_total, counters_processed, counters_errors, counters_warnings, metadata, version, created_at, updated_at, completed_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j        domain.Job
		tenant   string
		status   string
		jobType  string
		idemKey  *string
		metaRaw  []byte
		complete *time.Time
	)
	err := row.Scan(
		&j.ID, &tenant, &j.SellerID, &j.Channel, &jobType, &status,
		&j.FileRef, &j.RulesProfileID, &j.CallbackURL, &idemKey, &j.LastError,
		&j.Counters.Total, &j.Counters.Processed, &j.Counters.Errors, &j.Counters.Warnings,
		&metaRaw, &j.Version, &j.CreatedAt, &j.UpdatedAt, &complete,
	)
	if err != nil {
		return nil, err
	}
	j.TenantID = domain.TenantID(tenant)
	j.Type = domain.JobType(jobType)
	j.Status = domain.JobStatus(status)
	j.CompletedAt = complete
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &j.Metadata); err != nil {
			return nil, fmt.Errorf("metadata decode: %w", err)
		}
	}
	return &j, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Save persists the aggregate, appends its pending events to the outbox, and,
// when rec is non-nil, writes the idempotency record — all in one transaction.
// Version 1 inserts; higher versions update under an optimistic version guard.
func (r *JobRepo) Save(ctx domain.Context, j *domain.Job, rec *domain.IdempotencyRecord) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
		attribute.Int64("job.version", j.Version),
	)

	metaRaw, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("op=job.save: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.save: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if j.Version == 1 {
		q := `INSERT INTO jobs (` + jobColumns + `)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
		_, err = tx.Exec(ctx, q,
			j.ID, j.TenantID.String(), j.SellerID, j.Channel, string(j.Type), string(j.Status),
			j.FileRef, j.RulesProfileID, j.CallbackURL, nullIfEmpty(j.IdempotencyKey), j.LastError,
			j.Counters.Total, j.Counters.Processed, j.Counters.Errors, j.Counters.Warnings,
			metaRaw, j.Version, j.CreatedAt, j.UpdatedAt, j.CompletedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("op=job.save: %w", domain.ErrIdempotencyConflict)
			}
			return fmt.Errorf("op=job.save: %w", classify(err))
		}
	} else {
		q := `UPDATE jobs SET status=$4, last_error=$5,
			counters_total=$6, counters_processed=$7, counters_errors=$8, counters_warnings=$9,
			metadata=$10, version=$11, updated_at=$12, completed_at=$13
			WHERE id=$1 AND tenant_id=$2 AND version=$3`
		tag, execErr := tx.Exec(ctx, q,
			j.ID, j.TenantID.String(), j.Version-1,
			string(j.Status), j.LastError,
			j.Counters.Total, j.Counters.Processed, j.Counters.Errors, j.Counters.Warnings,
			metaRaw, j.Version, j.UpdatedAt, j.CompletedAt,
		)
		if execErr != nil {
			return fmt.Errorf("op=job.save: %w", classify(execErr))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=job.save: %w", domain.ErrConcurrency)
		}
	}

	for _, ev := range j.PendingEvents() {
		payload, mErr := json.Marshal(ev)
		if mErr != nil {
			return fmt.Errorf("op=job.save_events: %w", mErr)
		}
		q := `INSERT INTO event_outbox (id, tenant_id, event_type, event_version, correlation_id, payload, occurred_at, attempt_count, last_error, next_visible_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,'',$8)`
		if _, eErr := tx.Exec(ctx, q,
			ev.ID, ev.TenantID, string(ev.Type), ev.SchemaVersion, j.ID, payload, ev.Time, ev.Time,
		); eErr != nil {
			return fmt.Errorf("op=job.save_events: %w", classify(eErr))
		}
	}

	if rec != nil {
		// Insert-if-absent; an expired row is overwritten in place (lazy
		// removal). Zero rows means a live record won the race.
		q := `INSERT INTO idempotency_records (tenant_id, idem_key, response_hash, payload, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, idem_key) DO UPDATE
			SET response_hash=EXCLUDED.response_hash, payload=EXCLUDED.payload,
				created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= $5`
		tag, iErr := tx.Exec(ctx, q,
			rec.TenantID.String(), rec.Key, rec.ResponseHash, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
		)
		if iErr != nil {
			return fmt.Errorf("op=job.save_idem: %w", classify(iErr))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=job.save_idem: %w", domain.ErrIdempotencyConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.save: %w", classify(err))
	}
	j.ClearPendingEvents()
	return nil
}

// FindByID loads a job by id and verifies tenant ownership. A row held by a
// different tenant is never returned; the caller gets ErrTenantIsolation.
func (r *JobRepo) FindByID(ctx domain.Context, tenant domain.TenantID, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.find_by_id: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.find_by_id: %w", classify(err))
	}
	if j.TenantID != tenant {
		return nil, fmt.Errorf("op=job.find_by_id: %w", domain.ErrTenantIsolation)
	}
	return j, nil
}

// FindByIdempotencyKey is the secondary duplicate lookup during submission.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, tenant domain.TenantID, key string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND idempotency_key=$2 LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, tenant.String(), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.find_idem: %w", classify(err))
	}
	return j, nil
}

func filterClauses(tenant domain.TenantID, f domain.JobFilter) (string, []any) {
	where := `tenant_id=$1`
	args := []any{tenant.String()}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if f.Channel != "" {
		args = append(args, f.Channel)
		where += fmt.Sprintf(" AND channel=$%d", len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where += fmt.Sprintf(" AND job_type=$%d", len(args))
	}
	return where, args
}

// FindByTenant lists the tenant's jobs newest-first.
func (r *JobRepo) FindByTenant(ctx domain.Context, tenant domain.TenantID, f domain.JobFilter, limit, offset int) ([]*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByTenant")
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where, args := filterClauses(tenant, f)
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_by_tenant: %w", classify(err))
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, sErr := scanJob(rows)
		if sErr != nil {
			return nil, fmt.Errorf("op=job.find_by_tenant_scan: %w", sErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find_by_tenant_rows: %w", classify(err))
	}
	return jobs, nil
}

// CountByTenant counts the tenant's jobs under the same filters.
func (r *JobRepo) CountByTenant(ctx domain.Context, tenant domain.TenantID, f domain.JobFilter) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByTenant")
	defer span.End()

	where, args := filterClauses(tenant, f)
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_by_tenant: %w", classify(err))
	}
	return count, nil
}

// ListStaleQueued returns jobs still QUEUED at or before the cutoff, oldest
// first. Used by the expiry sweeper; spans tenants on purpose.
func (r *JobRepo) ListStaleQueued(ctx domain.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStaleQueued")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 AND created_at <= $2 ORDER BY created_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, string(domain.StatusQueued), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale_queued: %w", classify(err))
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, sErr := scanJob(rows)
		if sErr != nil {
			return nil, fmt.Errorf("op=job.list_stale_queued_scan: %w", sErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stale_queued_rows: %w", classify(err))
	}
	return jobs, nil
}
