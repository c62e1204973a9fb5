package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/listing-intake/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

func sampleEntry(id string, occurred time.Time) domain.OutboxEntry {
	return domain.OutboxEntry{
		ID:            id,
		TenantID:      domain.TenantID("t_acme"),
		EventType:     domain.EventJobSubmitted,
		EventVersion:  "1.0",
		CorrelationID: "job-1",
		Payload:       []byte(`{"type":"job.submitted"}`),
		OccurredAt:    occurred,
		NextVisibleAt: occurred,
	}
}

func TestOutboxRepo_FetchBatch_ClaimsRows(t *testing.T) {
	now := time.Now().UTC()
	e1 := sampleEntry("ev-1", now.Add(-2*time.Second))
	e2 := sampleEntry("ev-2", now.Add(-time.Second))

	tx := &txStub{queryRes: &rowsStub{rows: []func(dest ...any) error{
		outboxScanFunc(e1), outboxScanFunc(e2),
	}}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewOutboxRepo(pool)

	entries, err := repo.FetchBatch(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ev-1", entries[0].ID)
	assert.Equal(t, "ev-2", entries[1].ID)

	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0].sql, "SET next_visible_at")
	assert.Equal(t, now.Add(30*time.Second), tx.execs[0].args[0])
	assert.Equal(t, []string{"ev-1", "ev-2"}, tx.execs[0].args[1])
	assert.True(t, tx.committed)
}

func TestOutboxRepo_FetchBatch_EmptyCommitsWithoutClaim(t *testing.T) {
	tx := &txStub{queryRes: &rowsStub{}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewOutboxRepo(pool)

	entries, err := repo.FetchBatch(context.Background(), 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, tx.execs)
	assert.True(t, tx.committed)
}

func TestOutboxRepo_FetchBatch_CustomClaimTTL(t *testing.T) {
	now := time.Now().UTC()
	tx := &txStub{queryRes: &rowsStub{rows: []func(dest ...any) error{
		outboxScanFunc(sampleEntry("ev-1", now)),
	}}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewOutboxRepo(pool)
	repo.ClaimTTL = 2 * time.Minute

	_, err := repo.FetchBatch(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, tx.execs, 1)
	assert.Equal(t, now.Add(2*time.Minute), tx.execs[0].args[0])
}

func TestOutboxRepo_MarkDispatched(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewOutboxRepo(pool)
	at := time.Now().UTC()

	require.NoError(t, repo.MarkDispatched(context.Background(), "ev-1", at))

	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "SET dispatched_at")
	assert.Equal(t, "ev-1", pool.execs[0].args[0])
	assert.Equal(t, at, pool.execs[0].args[1])
}

func TestOutboxRepo_MarkFailed_Retryable(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewOutboxRepo(pool)
	next := time.Now().UTC().Add(4 * time.Second)

	require.NoError(t, repo.MarkFailed(context.Background(), "ev-1", 2, "broker unavailable", next, false))

	require.Len(t, pool.execs, 1)
	call := pool.execs[0]
	assert.Equal(t, 2, call.args[1])
	assert.Equal(t, "broker unavailable", call.args[2])
	assert.Equal(t, next, call.args[3])
	assert.Equal(t, false, call.args[4])
}

func TestOutboxRepo_MarkFailed_DeadStampsDispatchedAt(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewOutboxRepo(pool)

	require.NoError(t, repo.MarkFailed(context.Background(), "ev-1", 5, "gave up", time.Now().UTC(), true))

	require.Len(t, pool.execs, 1)
	call := pool.execs[0]
	assert.Equal(t, true, call.args[4])
	// Dead entries leave the fetch predicate via the conditional stamp.
	assert.Contains(t, call.sql, "CASE WHEN $5 THEN $6")
}

func TestOutboxRepo_ListDeadLetters(t *testing.T) {
	now := time.Now().UTC()
	dead := sampleEntry("ev-dead", now)
	dead.Dead = true
	dead.AttemptCount = 5
	dead.LastError = "gave up"
	stamp := now
	dead.DispatchedAt = &stamp

	pool := &poolStub{queryRes: &rowsStub{rows: []func(dest ...any) error{outboxScanFunc(dead)}}}
	repo := postgres.NewOutboxRepo(pool)

	entries, err := repo.ListDeadLetters(context.Background(), dead.TenantID, 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Dead)
	assert.Equal(t, 5, entries[0].AttemptCount)
	assert.Equal(t, "gave up", entries[0].LastError)
}

func TestOutboxRepo_PurgeDispatched(t *testing.T) {
	pool := &poolStub{execResult: func(call execCall) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("DELETE 4"), nil
	}}
	repo := postgres.NewOutboxRepo(pool)

	n, err := repo.PurgeDispatched(context.Background(), time.Now().UTC().AddDate(0, 0, -7), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Contains(t, pool.execs[0].sql, "dispatched_at IS NOT NULL")
}

func TestOutboxRepo_Counts(t *testing.T) {
	pool := &poolStub{rowFn: func(sql string, _ []any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			if strings.Contains(sql, "dispatched_at IS NULL") {
				*(dest[0].(*int64)) = 9
			} else {
				*(dest[0].(*int64)) = 2
			}
			return nil
		}}
	}}
	repo := postgres.NewOutboxRepo(pool)

	pending, err := repo.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), pending)

	dead, err := repo.CountDead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), dead)
}
