package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/models"
)

type BalanceRepo struct {
	DB DBTX
}

const applyEntry = `-- name: ApplyEntry
INSERT INTO balances (account_id, current, last_seq, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (account_id) DO UPDATE
SET current = EXCLUDED.current, last_seq = EXCLUDED.last_seq, updated_at = now()
WHERE balances.last_seq = EXCLUDED.last_seq - 1
RETURNING account_id, current, last_seq, updated_at
`

// ApplyEntry advances the projection by exactly one entry. The guard in the
// upsert makes any out-of-order application return zero rows instead of
// silently clobbering the projection.
func (r *BalanceRepo) ApplyEntry(ctx context.Context, entry models.LedgerEntry) (models.Balance, error) {
	if entry.Seq != 1 {
		// The insert arm of the upsert would accept any seq for a missing
		// row; only the first entry may create the projection.
		balance, found, err := r.GetBalance(ctx, entry.AccountID)
		if err != nil {
			return balance, err
		}
		if !found || balance.LastSeq != entry.Seq-1 {
			return balance, apperrors.ErrOutOfOrderApply
		}
	}

	rows, _ := r.DB.Query(ctx, applyEntry, entry.AccountID, entry.ResultingBalance, entry.Seq)
	balance, err := pgx.CollectOneRow(rows, rowToBalance)

	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, pgx.ErrNoRows):
		return balance, apperrors.ErrOutOfOrderApply
	default:
		return balance, fmt.Errorf("db error: %w", err)
	}
}

const getBalance = `-- name: GetBalance
SELECT account_id, current, last_seq, updated_at FROM balances
WHERE account_id = $1
`

func (r *BalanceRepo) GetBalance(ctx context.Context, accountID uuid.UUID) (models.Balance, bool, error) {
	rows, _ := r.DB.Query(ctx, getBalance, accountID)
	balance, err := pgx.CollectOneRow(rows, rowToBalance)

	switch {
	case err == nil:
		return balance, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return balance, false, nil
	default:
		return balance, false, fmt.Errorf("db error: %w", err)
	}
}

const replaceBalance = `-- name: ReplaceBalance
INSERT INTO balances (account_id, current, last_seq, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (account_id) DO UPDATE
SET current = EXCLUDED.current, last_seq = EXCLUDED.last_seq, updated_at = now()
`

// ReplaceBalance overwrites the projection unconditionally. Only the
// reconciliation path may call it.
func (r *BalanceRepo) ReplaceBalance(ctx context.Context, balance models.Balance) error {
	_, err := r.DB.Exec(ctx, replaceBalance, balance.AccountID, balance.Current, balance.LastSeq)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func rowToBalance(row pgx.CollectableRow) (models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.AccountID, &b.Current, &b.LastSeq, &b.UpdatedAt)
	return b, err
}
