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

type RejectionRepo struct {
	DB DBTX
}

const createRejection = `-- name: CreateRejection
INSERT INTO rejections (id, created_at, account_id, amount, reason, reject_reason)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at, account_id, amount, reason, reject_reason
`

func (r *RejectionRepo) CreateRejection(ctx context.Context, rejection models.Rejection) (models.Rejection, error) {
	rows, _ := r.DB.Query(ctx, createRejection,
		rejection.ID,
		rejection.CreatedAt,
		rejection.AccountID,
		rejection.Amount,
		rejection.Reason,
		rejection.RejectReason,
	)
	created, err := pgx.CollectOneRow(rows, rowToRejection)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return created, apperrors.ErrAccountNotFound
		}

		return created, fmt.Errorf("db error: %w", err)
	}

	return created, nil
}

const listRejections = `-- name: ListRejections
SELECT id, created_at, account_id, amount, reason, reject_reason
FROM rejections
WHERE account_id = $1
ORDER BY created_at DESC
`

func (r *RejectionRepo) ListRejections(ctx context.Context, accountID uuid.UUID) ([]models.Rejection, error) {
	rows, _ := r.DB.Query(ctx, listRejections, accountID)
	rejections, err := pgx.CollectRows(rows, rowToRejection)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return rejections, nil
}

func rowToRejection(row pgx.CollectableRow) (models.Rejection, error) {
	var rej models.Rejection
	err := row.Scan(&rej.ID, &rej.CreatedAt, &rej.AccountID, &rej.Amount, &rej.Reason, &rej.RejectReason)
	return rej, err
}
