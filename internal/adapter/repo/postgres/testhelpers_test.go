package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(...any) error { return err }}
}

// rowsStub implements pgx.Rows over a fixed list of row scan funcs.
type rowsStub struct {
	rows   []func(dest ...any) error
	idx    int
	err    error
	closed bool
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error            { return r.rows[r.idx-1](dest...) }
func (r *rowsStub) Close()                            { r.closed = true }
func (r *rowsStub) Err() error                        { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag     { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)            { return nil, nil }
func (r *rowsStub) RawValues() [][]byte               { return nil }
func (r *rowsStub) Conn() *pgx.Conn                   { return nil }

// execCall captures one statement issued through a stub.
type execCall struct {
	sql  string
	args []any
}

// txStub implements pgx.Tx and records every statement.
type txStub struct {
	execs      []execCall
	execResult func(call execCall) (pgconn.CommandTag, error)
	queryRes   pgx.Rows
	queryErr   error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	call := execCall{sql: sql, args: args}
	t.execs = append(t.execs, call)
	if t.execResult != nil {
		return t.execResult(call)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *txStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	return t.queryRes, nil
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return errRow(errors.New("QueryRow not configured"))
}

func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *txStub) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Conn() *pgx.Conn                         { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects          { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("Prepare not configured")
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("CopyFrom not configured")
}

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execs      []execCall
	execResult func(call execCall) (pgconn.CommandTag, error)
	row        pgx.Row
	rowFn      func(sql string, args []any) pgx.Row
	queryRes   pgx.Rows
	queryErr   error
	tx         *txStub
	beginErr   error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	call := execCall{sql: sql, args: args}
	p.execs = append(p.execs, call)
	if p.execResult != nil {
		return p.execResult(call)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.rowFn != nil {
		return p.rowFn(sql, args)
	}
	if p.row == nil {
		return errRow(errors.New("no row configured"))
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.queryRes, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}

// jobScanFunc populates scan destinations in jobColumns order from j.
func jobScanFunc(j *domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*string)) = j.TenantID.String()
		*(dest[2].(*string)) = j.SellerID
		*(dest[3].(*string)) = j.Channel
		*(dest[4].(*string)) = string(j.Type)
		*(dest[5].(*string)) = string(j.Status)
		*(dest[6].(*string)) = j.FileRef
		*(dest[7].(*string)) = j.RulesProfileID
		*(dest[8].(*string)) = j.CallbackURL
		if j.IdempotencyKey != "" {
			k := j.IdempotencyKey
			*(dest[9].(**string)) = &k
		} else {
			*(dest[9].(**string)) = nil
		}
		*(dest[10].(*string)) = j.LastError
		*(dest[11].(*int)) = j.Counters.Total
		*(dest[12].(*int)) = j.Counters.Processed
		*(dest[13].(*int)) = j.Counters.Errors
		*(dest[14].(*int)) = j.Counters.Warnings
		*(dest[15].(*[]byte)) = []byte(`{}`)
		*(dest[16].(*int64)) = j.Version
		*(dest[17].(*time.Time)) = j.CreatedAt
		*(dest[18].(*time.Time)) = j.UpdatedAt
		*(dest[19].(**time.Time)) = j.CompletedAt
		return nil
	}
}

// outboxScanFunc populates scan destinations in outboxColumns order from e.
func outboxScanFunc(e domain.OutboxEntry) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = e.ID
		*(dest[1].(*string)) = e.TenantID.String()
		*(dest[2].(*string)) = string(e.EventType)
		*(dest[3].(*string)) = e.EventVersion
		*(dest[4].(*string)) = e.CorrelationID
		*(dest[5].(*[]byte)) = e.Payload
		*(dest[6].(*time.Time)) = e.OccurredAt
		*(dest[7].(*int)) = e.AttemptCount
		*(dest[8].(*string)) = e.LastError
		*(dest[9].(*time.Time)) = e.NextVisibleAt
		*(dest[10].(**time.Time)) = e.DispatchedAt
		*(dest[11].(*bool)) = e.Dead
		return nil
	}
}

func validSubmission() domain.JobSubmission {
	tenant, _ := domain.NewTenantID("t_acme")
	return domain.JobSubmission{
		Tenant:         tenant,
		SellerID:       "seller-42",
		Channel:        "web_marketplace",
		Type:           "validation",
		FileRef:        "https://files.example.com/listings/batch-1.csv",
		RulesProfileID: "web_marketplace@1.2.0",
		IdempotencyKey: "abcdef1234567890",
	}
}
