package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabdil/creditledger/internal/models"
)

// Account repository interface
type AccountRepo interface {
	// Create account with provided status and overdraft flag
	CreateAccount(ctx context.Context, status string, allowOverdraft bool) (models.Account, error)

	// Get account by id
	// If account not found must return apperrors.ErrAccountNotFound
	GetAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error)

	// Lock account row for the duration of the surrounding transaction.
	// This is the per-account serialization point: two concurrent appends
	// for the same account queue here.
	// Must return apperrors.ErrAccountNotFound for unknown accounts
	LockAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error)

	// Change account status
	SetStatus(ctx context.Context, accountID uuid.UUID, status string) error
}

// Ledger repository interface. Entries are append-only: there is no update
// and no delete on purpose.
type LedgerRepo interface {
	// Insert the next entry for the account. The caller must hold the
	// account row lock (see AccountRepo.LockAccount) so seq assignment
	// is serialized per account.
	InsertEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error)

	// Last committed entry for the account or apperrors.ErrAccountNotFound
	// style miss: returns found=false when the account has no entries yet.
	GetLastEntry(ctx context.Context, accountID uuid.UUID) (entry models.LedgerEntry, found bool, err error)

	// Entries with fromSeq <= seq <= toSeq ordered by seq ascending.
	// toSeq <= 0 means "to the end". Restartable: callers resume by
	// passing the last seen seq + 1 as fromSeq.
	ListEntries(ctx context.Context, accountID uuid.UUID, fromSeq int64, toSeq int64) ([]models.LedgerEntry, error)

	// Entry previously committed under the idempotency key
	GetEntryByIdempotencyKey(ctx context.Context, key string) (models.LedgerEntry, error)
}

// Balance repository holds the materialized projection.
type BalanceRepo interface {
	// Advance the materialized balance by exactly one entry.
	// Must fail with apperrors.ErrOutOfOrderApply unless
	// entry.Seq == stored last_seq + 1 (a missing row counts as last_seq 0).
	ApplyEntry(ctx context.Context, entry models.LedgerEntry) (models.Balance, error)

	// Materialized balance for the account
	// Returns found=false when no projection row exists yet
	GetBalance(ctx context.Context, accountID uuid.UUID) (balance models.Balance, found bool, err error)

	// Overwrite the projection unconditionally. Reconciliation only.
	ReplaceBalance(ctx context.Context, balance models.Balance) error
}

// Idempotency repository interface
type IdempotencyRepo interface {
	// Atomically reserve the key for this request. Exactly one of the
	// concurrent callers with the same key observes reserved=true; the
	// rest get the current record with reserved=false.
	// A stale in_progress reservation (reserved_at older than staleAfter)
	// is taken over and reported as reserved=true.
	Reserve(ctx context.Context, key string, accountID uuid.UUID, amount decimal.Decimal, staleAfter time.Duration) (record models.IdempotencyRecord, reserved bool, err error)

	// Finalize the reservation with the committed entry seq
	RecordOutcome(ctx context.Context, key string, entrySeq int64, amount decimal.Decimal) error

	// Finalize the reservation with a rejection so retries replay it
	RecordRejection(ctx context.Context, key string, rejectReason string) error

	// Get record by key
	// If key not found must return apperrors.ErrIdempotencyKeyNotFound
	GetRecord(ctx context.Context, key string) (models.IdempotencyRecord, error)

	// Delete finalized records older than cutoff. Returns removed count.
	// Ledger entries are never purged; only retry deduplication degrades.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Rejection repository stores the immutable rejection audit trail.
type RejectionRepo interface {
	CreateRejection(ctx context.Context, rejection models.Rejection) (models.Rejection, error)
	ListRejections(ctx context.Context, accountID uuid.UUID) ([]models.Rejection, error)
}

// Storage aggregates repositories over a single connection or transaction
type Storage interface {
	Account() AccountRepo
	Ledger() LedgerRepo
	Balance() BalanceRepo
	Idempotency() IdempotencyRepo
	Rejection() RejectionRepo

	// Run fn within a db transaction
	InTx(ctx context.Context, fn func(Storage) error) error
}
