package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// OutboxRepo is the dispatcher-facing side of the event outbox. Entries are
// written by JobRepo.Save inside the aggregate's transaction.
type OutboxRepo struct {
	Pool PgxPool
	// ClaimTTL is how long a fetched batch stays invisible to competing
	// dispatchers before it is considered abandoned.
	ClaimTTL time.Duration
}

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo {
	return &OutboxRepo{Pool: p, ClaimTTL: 30 * time.Second}
}

const outboxColumns = `id, tenant_id, event_type, event_version, correlation_id, payload, occurred_at, attempt_count, last_error, next_visible_at, dispatched_at, dead`

func scanOutboxEntry(row rowScanner) (domain.OutboxEntry, error) {
	var (
		e      domain.OutboxEntry
		tenant string
		etype  string
	)
	err := row.Scan(
		&e.ID, &tenant, &etype, &e.EventVersion, &e.CorrelationID, &e.Payload,
		&e.OccurredAt, &e.AttemptCount, &e.LastError, &e.NextVisibleAt, &e.DispatchedAt, &e.Dead,
	)
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	e.TenantID = domain.TenantID(tenant)
	e.EventType = domain.EventType(etype)
	return e, nil
}

// FetchBatch claims up to limit undispatched, visible entries ordered by
// occurred_at. Claiming locks the rows (SKIP LOCKED) and pushes their
// visibility forward so concurrent dispatchers pass over them; a crashed
// dispatcher's claim lapses after ClaimTTL.
func (r *OutboxRepo) FetchBatch(ctx domain.Context, limit int, now time.Time) ([]domain.OutboxEntry, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.FetchBatch")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	claim := r.ClaimTTL
	if claim <= 0 {
		claim = 30 * time.Second
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=outbox.fetch: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + outboxColumns + ` FROM event_outbox
		WHERE dispatched_at IS NULL AND NOT dead AND next_visible_at <= $1
		ORDER BY occurred_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.fetch: %w", classify(err))
	}

	var entries []domain.OutboxEntry
	for rows.Next() {
		e, sErr := scanOutboxEntry(rows)
		if sErr != nil {
			rows.Close()
			return nil, fmt.Errorf("op=outbox.fetch_scan: %w", sErr)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.fetch_rows: %w", classify(err))
	}

	if len(entries) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE event_outbox SET next_visible_at=$1 WHERE id = ANY($2)`,
		now.Add(claim), ids,
	); err != nil {
		return nil, fmt.Errorf("op=outbox.claim: %w", classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=outbox.fetch: %w", classify(err))
	}
	return entries, nil
}

// MarkDispatched records successful delivery.
func (r *OutboxRepo) MarkDispatched(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkDispatched")
	defer span.End()

	_, err := r.Pool.Exec(ctx, `UPDATE event_outbox SET dispatched_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_dispatched: %w", classify(err))
	}
	return nil
}

// MarkFailed records a failed attempt and its backoff. A dead entry also gets
// dispatched_at stamped so the fetch predicate never picks it up again; it
// stays reachable through the dead-letter queries.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id string, attempt int, lastError string, nextVisibleAt time.Time, dead bool) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkFailed")
	defer span.End()

	q := `UPDATE event_outbox
		SET attempt_count=$2, last_error=$3, next_visible_at=$4, dead=$5,
			dispatched_at = CASE WHEN $5 THEN $6 ELSE dispatched_at END
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, attempt, lastError, nextVisibleAt, dead, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", classify(err))
	}
	return nil
}

// ListDeadLetters returns the tenant's dead entries newest-first.
func (r *OutboxRepo) ListDeadLetters(ctx domain.Context, tenant domain.TenantID, limit int) ([]domain.OutboxEntry, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ListDeadLetters")
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + outboxColumns + ` FROM event_outbox
		WHERE tenant_id=$1 AND dead
		ORDER BY occurred_at DESC
		LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, tenant.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.dead_letters: %w", classify(err))
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		e, sErr := scanOutboxEntry(rows)
		if sErr != nil {
			return nil, fmt.Errorf("op=outbox.dead_letters_scan: %w", sErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.dead_letters_rows: %w", classify(err))
	}
	return entries, nil
}

// PurgeDispatched deletes up to limit entries dispatched before olderThan.
func (r *OutboxRepo) PurgeDispatched(ctx domain.Context, olderThan time.Time, limit int) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.PurgeDispatched")
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}
	q := `DELETE FROM event_outbox WHERE id IN (
		SELECT id FROM event_outbox WHERE dispatched_at IS NOT NULL AND dispatched_at <= $1 LIMIT $2
	)`
	tag, err := r.Pool.Exec(ctx, q, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.purge: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// CountPending counts entries still awaiting dispatch.
func (r *OutboxRepo) CountPending(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.CountPending")
	defer span.End()

	var count int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox WHERE dispatched_at IS NULL AND NOT dead`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=outbox.count_pending: %w", classify(err))
	}
	return count, nil
}

// CountDead counts parked entries across tenants.
func (r *OutboxRepo) CountDead(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.CountDead")
	defer span.End()

	var count int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox WHERE dead`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=outbox.count_dead: %w", classify(err))
	}
	return count, nil
}
