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

func TestJobRepo_Save_InsertWithEventsAndRecord(t *testing.T) {
	tx := &txStub{}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)
	ctx := context.Background()

	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)

	rec, err := domain.NewIdempotencyRecord(job.TenantID, job.IdempotencyKey,
		[]byte(`{"job_id":"`+job.ID+`"}`), time.Hour, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, job, &rec))

	require.Len(t, tx.execs, 3)
	assert.Contains(t, tx.execs[0].sql, "INSERT INTO jobs")
	assert.Contains(t, tx.execs[1].sql, "INSERT INTO event_outbox")
	assert.Contains(t, tx.execs[2].sql, "INSERT INTO idempotency_records")
	assert.True(t, tx.committed)
	assert.Empty(t, job.PendingEvents(), "events must be cleared after co-persistence")

	// Outbox row carries the event type and the job id as correlation.
	assert.Equal(t, string(domain.EventJobSubmitted), tx.execs[1].args[2])
	assert.Equal(t, job.ID, tx.execs[1].args[4])
}

func TestJobRepo_Save_WithoutRecordSkipsIdemInsert(t *testing.T) {
	tx := &txStub{}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)

	require.NoError(t, repo.Save(context.Background(), job, nil))

	for _, call := range tx.execs {
		assert.NotContains(t, call.sql, "idempotency_records")
	}
}

func TestJobRepo_Save_IdemRaceLostRollsBack(t *testing.T) {
	tx := &txStub{
		execResult: func(call execCall) (pgconn.CommandTag, error) {
			if strings.Contains(call.sql, "idempotency_records") {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	rec, err := domain.NewIdempotencyRecord(job.TenantID, job.IdempotencyKey,
		[]byte(`{"job_id":"x"}`), time.Hour, time.Now().UTC())
	require.NoError(t, err)

	err = repo.Save(context.Background(), job, &rec)
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.NotEmpty(t, job.PendingEvents(), "pending events must survive a rolled-back save")
}

func TestJobRepo_Save_UniqueViolationOnJobsRow(t *testing.T) {
	tx := &txStub{
		execResult: func(call execCall) (pgconn.CommandTag, error) {
			if strings.Contains(call.sql, "INSERT INTO jobs") {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)

	err = repo.Save(context.Background(), job, nil)
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestJobRepo_Save_UpdateUsesVersionGuard(t *testing.T) {
	tx := &txStub{}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	job.ClearPendingEvents()
	require.NoError(t, job.Start()) // version 2, one pending event

	require.NoError(t, repo.Save(context.Background(), job, nil))

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "UPDATE jobs")
	assert.Contains(t, tx.execs[0].sql, "version=$3")
	// Guard binds the pre-transition version.
	assert.Equal(t, int64(1), tx.execs[0].args[2])
}

func TestJobRepo_Save_LostOptimisticLock(t *testing.T) {
	tx := &txStub{
		execResult: func(call execCall) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)

	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	job.ClearPendingEvents()
	require.NoError(t, job.Start())

	err = repo.Save(context.Background(), job, nil)
	require.ErrorIs(t, err, domain.ErrConcurrency)
	assert.False(t, tx.committed)
}

func TestJobRepo_FindByID(t *testing.T) {
	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	job.ClearPendingEvents()

	pool := &poolStub{row: rowStub{scan: jobScanFunc(job)}}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.FindByID(context.Background(), job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, job.IdempotencyKey, got.IdempotencyKey)
}

func TestJobRepo_FindByID_NotFound(t *testing.T) {
	pool := &poolStub{row: errRow(pgx.ErrNoRows)}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.FindByID(context.Background(), domain.TenantID("t_acme"), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_FindByID_TenantIsolation(t *testing.T) {
	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	job.ClearPendingEvents()

	pool := &poolStub{row: rowStub{scan: jobScanFunc(job)}}
	repo := postgres.NewJobRepo(pool)

	_, err = repo.FindByID(context.Background(), domain.TenantID("t_other"), job.ID)
	require.ErrorIs(t, err, domain.ErrTenantIsolation)
	assert.NotContains(t, err.Error(), job.SellerID, "row content must not leak")
}

func TestJobRepo_FindByIdempotencyKey(t *testing.T) {
	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	job.ClearPendingEvents()

	pool := &poolStub{row: rowStub{scan: jobScanFunc(job)}}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.FindByIdempotencyKey(context.Background(), job.TenantID, job.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	pool.row = errRow(pgx.ErrNoRows)
	_, err = repo.FindByIdempotencyKey(context.Background(), job.TenantID, "unseen_key_0123456")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_FindByTenant(t *testing.T) {
	j1, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	j1.ClearPendingEvents()
	sub2 := validSubmission()
	sub2.IdempotencyKey = "fedcba9876543210"
	j2, err := domain.NewJob(sub2)
	require.NoError(t, err)
	j2.ClearPendingEvents()

	rows := &rowsStub{rows: []func(dest ...any) error{jobScanFunc(j1), jobScanFunc(j2)}}
	pool := &poolStub{queryRes: rows}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.FindByTenant(context.Background(), j1.TenantID, domain.JobFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j1.ID, jobs[0].ID)
	assert.True(t, rows.closed)
}

func TestJobRepo_FindByTenant_QueryError(t *testing.T) {
	pool := &poolStub{queryErr: assert.AnError}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.FindByTenant(context.Background(), domain.TenantID("t_acme"), domain.JobFilter{}, 10, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.find_by_tenant")
}

func TestJobRepo_CountByTenant(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = 7
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)

	n, err := repo.CountByTenant(context.Background(), domain.TenantID("t_acme"), domain.JobFilter{Status: domain.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestJobRepo_ListStaleQueued(t *testing.T) {
	job, err := domain.NewJob(validSubmission())
	require.NoError(t, err)
	job.ClearPendingEvents()

	rows := &rowsStub{rows: []func(dest ...any) error{jobScanFunc(job)}}
	pool := &poolStub{queryRes: rows}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.ListStaleQueued(context.Background(), time.Now().UTC(), 50)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusQueued, jobs[0].Status)
}
