package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/models"
)

type IdempotencyRepo struct {
	DB DBTX
}

const reserveKey = `-- name: ReserveKey
INSERT INTO idempotency_keys (key, account_id, status, amount, reserved_at)
VALUES ($1, $2, 'in_progress', $3, now())
ON CONFLICT (key) DO NOTHING
RETURNING key, account_id, status, entry_seq, amount, reject_reason, reserved_at, finalized_at
`

const takeOverStaleKey = `-- name: TakeOverStaleKey
UPDATE idempotency_keys
SET account_id = $2, amount = $3, reserved_at = now()
WHERE key = $1 AND status = 'in_progress' AND reserved_at < $4
RETURNING key, account_id, status, entry_seq, amount, reject_reason, reserved_at, finalized_at
`

// Reserve claims the key for this request. The primary-key insert makes the
// claim linearizable: of any number of concurrent callers exactly one gets
// reserved=true, the rest see the current record.
//
// A reservation whose holder crashed before finalizing is taken over once it
// is older than staleAfter. That opens a narrow window where the same key
// could append twice; the unique idempotency_key index on ledger_entries
// closes it (the second append fails and the stored entry is returned).
func (r *IdempotencyRepo) Reserve(ctx context.Context, key string, accountID uuid.UUID, amount decimal.Decimal, staleAfter time.Duration) (models.IdempotencyRecord, bool, error) {
	rows, _ := r.DB.Query(ctx, reserveKey, key, accountID, amount)
	record, err := pgx.CollectOneRow(rows, rowToIdempotencyRecord)

	switch {
	case err == nil:
		return record, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return record, false, fmt.Errorf("db error: %w", err)
	}

	// Key exists already. Try to take over a stale reservation first.
	staleBefore := time.Now().Add(-staleAfter)
	rows, _ = r.DB.Query(ctx, takeOverStaleKey, key, accountID, amount, staleBefore)
	record, err = pgx.CollectOneRow(rows, rowToIdempotencyRecord)

	switch {
	case err == nil:
		return record, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return record, false, fmt.Errorf("db error: %w", err)
	}

	record, err = r.GetRecord(ctx, key)
	if err != nil {
		// The record vanished between insert and read: a purge raced us.
		// Surface it as a db error, the caller will retry.
		return record, false, fmt.Errorf("idempotency record disappeared: %w", err)
	}

	return record, false, nil
}

const recordOutcome = `-- name: RecordOutcome
UPDATE idempotency_keys
SET status = 'applied', entry_seq = $2, amount = $3, finalized_at = now()
WHERE key = $1 AND status = 'in_progress'
`

func (r *IdempotencyRepo) RecordOutcome(ctx context.Context, key string, entrySeq int64, amount decimal.Decimal) error {
	return r.finalize(ctx, key, recordOutcome, entrySeq, amount)
}

const recordRejection = `-- name: RecordRejection
UPDATE idempotency_keys
SET status = 'rejected', reject_reason = $2, finalized_at = now()
WHERE key = $1 AND status = 'in_progress'
`

func (r *IdempotencyRepo) RecordRejection(ctx context.Context, key string, rejectReason string) error {
	return r.finalize(ctx, key, recordRejection, rejectReason)
}

func (r *IdempotencyRepo) finalize(ctx context.Context, key string, sql string, args ...any) error {
	tag, err := r.DB.Exec(ctx, sql, append([]any{key}, args...)...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: either the key is unknown or it was finalized by a
	// competing holder after a stale takeover. The latter is fine.
	record, err := r.GetRecord(ctx, key)
	if err != nil {
		return err
	}
	if record.Finalized() {
		return nil
	}

	return fmt.Errorf("idempotency record for key %q not finalizable", key)
}

const getIdempotencyRecord = `-- name: GetIdempotencyRecord
SELECT key, account_id, status, entry_seq, amount, reject_reason, reserved_at, finalized_at
FROM idempotency_keys
WHERE key = $1
`

func (r *IdempotencyRepo) GetRecord(ctx context.Context, key string) (models.IdempotencyRecord, error) {
	rows, _ := r.DB.Query(ctx, getIdempotencyRecord, key)
	record, err := pgx.CollectOneRow(rows, rowToIdempotencyRecord)

	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, pgx.ErrNoRows):
		return record, apperrors.ErrIdempotencyKeyNotFound
	default:
		return record, fmt.Errorf("db error: %w", err)
	}
}

const purgeFinalizedBefore = `-- name: PurgeFinalizedBefore
DELETE FROM idempotency_keys
WHERE finalized_at IS NOT NULL AND finalized_at < $1
`

func (r *IdempotencyRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, purgeFinalizedBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

func rowToIdempotencyRecord(row pgx.CollectableRow) (models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := row.Scan(&rec.Key, &rec.AccountID, &rec.Status, &rec.EntrySeq, &rec.Amount, &rec.RejectReason, &rec.ReservedAt, &rec.FinalizedAt)
	return rec, err
}
