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

type AccountRepo struct {
	DB DBTX
}

const createAccount = `-- name: CreateAccount
INSERT INTO accounts (id, status, allow_overdraft)
VALUES ($1, $2, $3)
RETURNING id, created_at, status, allow_overdraft
`

func (r *AccountRepo) CreateAccount(ctx context.Context, status string, allowOverdraft bool) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, createAccount, uuid.New(), status, allowOverdraft)
	account, err := pgx.CollectOneRow(rows, rowToAccount)
	if err != nil {
		return account, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

const getAccount = `-- name: GetAccount
SELECT id, created_at, status, allow_overdraft FROM accounts
WHERE id = $1
`

func (r *AccountRepo) GetAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, getAccount, accountID)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

const lockAccount = `-- name: LockAccount
SELECT id, created_at, status, allow_overdraft FROM accounts
WHERE id = $1
FOR UPDATE
`

// LockAccount takes the account row lock until the surrounding transaction
// ends. All appends for one account serialize on this lock while other
// accounts proceed in parallel.
func (r *AccountRepo) LockAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, lockAccount, accountID)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

const setAccountStatus = `-- name: SetAccountStatus
UPDATE accounts SET status = $2
WHERE id = $1
`

func (r *AccountRepo) SetStatus(ctx context.Context, accountID uuid.UUID, status string) error {
	tag, err := r.DB.Exec(ctx, setAccountStatus, accountID, status)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAccountNotFound
	}

	return nil
}

func rowToAccount(row pgx.CollectableRow) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.CreatedAt, &a.Status, &a.AllowOverdraft)
	return a, err
}
