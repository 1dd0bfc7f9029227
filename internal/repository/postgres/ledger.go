package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/models"
)

type LedgerRepo struct {
	DB DBTX
}

const insertEntry = `-- name: InsertEntry
INSERT INTO ledger_entries (account_id, seq, created_at, amount, resulting_balance, idempotency_key, reason, external_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING account_id, seq, created_at, amount, resulting_balance, idempotency_key, reason, external_ref
`

// InsertEntry persists one pre-computed entry. Sequence correctness relies
// on the caller holding the account row lock; the (account_id, seq) primary
// key and the unique idempotency_key index are the last line of defense.
func (r *LedgerRepo) InsertEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	rows, _ := r.DB.Query(ctx, insertEntry,
		entry.AccountID,
		entry.Seq,
		entry.CreatedAt,
		entry.Amount,
		entry.ResultingBalance,
		entry.IdempotencyKey,
		entry.Reason,
		entry.ExternalRef,
	)
	inserted, err := pgx.CollectOneRow(rows, rowToEntry)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return inserted, fmt.Errorf("%w: %s", apperrors.ErrDuplicateEntry, pgErr.ConstraintName)
		}

		return inserted, fmt.Errorf("db error: %w", err)
	}

	return inserted, nil
}

const getLastEntry = `-- name: GetLastEntry
SELECT account_id, seq, created_at, amount, resulting_balance, idempotency_key, reason, external_ref
FROM ledger_entries
WHERE account_id = $1
ORDER BY seq DESC
LIMIT 1
`

func (r *LedgerRepo) GetLastEntry(ctx context.Context, accountID uuid.UUID) (models.LedgerEntry, bool, error) {
	rows, _ := r.DB.Query(ctx, getLastEntry, accountID)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	switch {
	case err == nil:
		return entry, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return entry, false, nil
	default:
		return entry, false, fmt.Errorf("db error: %w", err)
	}
}

const listEntries = `-- name: ListEntries
SELECT account_id, seq, created_at, amount, resulting_balance, idempotency_key, reason, external_ref
FROM ledger_entries
WHERE account_id = $1 AND seq >= $2 AND ($3 <= 0 OR seq <= $3)
ORDER BY seq ASC
`

// ListEntries returns entries ordered by seq. Restartable by construction:
// resume with fromSeq = last seen seq + 1.
func (r *LedgerRepo) ListEntries(ctx context.Context, accountID uuid.UUID, fromSeq int64, toSeq int64) ([]models.LedgerEntry, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	rows, _ := r.DB.Query(ctx, listEntries, accountID, fromSeq, toSeq)
	entries, err := pgx.CollectRows(rows, rowToEntry)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return entries, nil
}

const getEntryByIdempotencyKey = `-- name: GetEntryByIdempotencyKey
SELECT account_id, seq, created_at, amount, resulting_balance, idempotency_key, reason, external_ref
FROM ledger_entries
WHERE idempotency_key = $1
`

func (r *LedgerRepo) GetEntryByIdempotencyKey(ctx context.Context, key string) (models.LedgerEntry, error) {
	rows, _ := r.DB.Query(ctx, getEntryByIdempotencyKey, key)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, pgx.ErrNoRows):
		return entry, apperrors.ErrIdempotencyKeyNotFound
	default:
		return entry, fmt.Errorf("db error: %w", err)
	}
}

func rowToEntry(row pgx.CollectableRow) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.AccountID, &e.Seq, &e.CreatedAt, &e.Amount, &e.ResultingBalance, &e.IdempotencyKey, &e.Reason, &e.ExternalRef)
	return e, err
}
