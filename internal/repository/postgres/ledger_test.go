package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/models"
	"github.com/tabdil/creditledger/internal/repository"
	"github.com/tabdil/creditledger/internal/testutil"
)

func makeEntry(accountID uuid.UUID, seq int64, amount int64, resulting int64, key string) models.LedgerEntry {
	return models.LedgerEntry{
		AccountID:        accountID,
		Seq:              seq,
		CreatedAt:        time.Now().UTC(),
		Amount:           decimal.NewFromInt(amount),
		ResultingBalance: decimal.NewFromInt(resulting),
		IdempotencyKey:   key,
		Reason:           models.ReasonPurchase,
	}
}

func TestLedger(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	inTx := func(t *testing.T, outerTx DBTX, fn func(pgx.Tx, repository.Storage)) {
		testutil.InTx(outerTx, t, func(innerTx pgx.Tx) {
			storage := NewStorage(innerTx)
			fn(innerTx, storage)
		})
	}

	t.Run("InsertEntry", func(t *testing.T) {
		inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			account, err := storage.Account().CreateAccount(t.Context(), models.AccountStatusActive, false)
			require.NoError(t, err)

			t.Run("insert ok", func(t *testing.T) {
				inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					entry, err := storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 1, 100, 100, "k-insert"))

					require.NoError(t, err)
					require.Equal(t, int64(1), entry.Seq)
					require.True(t, entry.Amount.Equal(decimal.NewFromInt(100)), "amount should round trip")
					require.True(t, entry.ResultingBalance.Equal(decimal.NewFromInt(100)))
					require.Nil(t, entry.ExternalRef)
				})
			})

			t.Run("duplicate seq", func(t *testing.T) {
				inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 1, 100, 100, "k-dup-1"))
					require.NoError(t, err)

					_, err = storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 1, 50, 50, "k-dup-2"))

					require.Error(t, err, "two entries must never share a seq")
					require.ErrorIs(t, err, apperrors.ErrDuplicateEntry)
				})
			})

			t.Run("duplicate idempotency key", func(t *testing.T) {
				inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 1, 100, 100, "k-same"))
					require.NoError(t, err)

					_, err = storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 2, 50, 150, "k-same"))

					require.Error(t, err, "idempotency key must be unique across entries")
					require.ErrorIs(t, err, apperrors.ErrDuplicateEntry)
				})
			})

			t.Run("unknown account", func(t *testing.T) {
				inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().InsertEntry(t.Context(), makeEntry(uuid.New(), 1, 100, 100, "k-unknown"))

					require.Error(t, err, "entries must reference an existing account")
				})
			})
		})
	})

	t.Run("GetLastEntry", func(t *testing.T) {
		inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			account, err := storage.Account().CreateAccount(t.Context(), models.AccountStatusActive, false)
			require.NoError(t, err)

			t.Run("no entries", func(t *testing.T) {
				inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					_, found, err := storage.Ledger().GetLastEntry(t.Context(), account.ID)

					require.NoError(t, err)
					require.False(t, found, "empty ledger should report no last entry")
				})
			})

			t.Run("latest of several", func(t *testing.T) {
				inTx(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					_, err := storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 1, 100, 100, "k-last-1"))
					require.NoError(t, err)
					_, err = storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 2, -30, 70, "k-last-2"))
					require.NoError(t, err)

					last, found, err := storage.Ledger().GetLastEntry(t.Context(), account.ID)

					require.NoError(t, err)
					require.True(t, found)
					require.Equal(t, int64(2), last.Seq)
					require.True(t, last.ResultingBalance.Equal(decimal.NewFromInt(70)))
				})
			})
		})
	})

	t.Run("ListEntries", func(t *testing.T) {
		inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			account, err := storage.Account().CreateAccount(t.Context(), models.AccountStatusActive, false)
			require.NoError(t, err)

			balance := int64(0)
			for seq := int64(1); seq <= 5; seq++ {
				balance += 10
				_, err := storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, seq, 10, balance, uuid.NewString()))
				require.NoError(t, err)
			}

			t.Run("full range", func(t *testing.T) {
				entries, err := storage.Ledger().ListEntries(t.Context(), account.ID, 1, 0)

				require.NoError(t, err)
				require.Len(t, entries, 5)
				for i, entry := range entries {
					require.Equal(t, int64(i+1), entry.Seq, "entries should be ordered by seq without gaps")
				}
			})

			t.Run("bounded range is restartable", func(t *testing.T) {
				first, err := storage.Ledger().ListEntries(t.Context(), account.ID, 1, 3)
				require.NoError(t, err)
				require.Len(t, first, 3)

				rest, err := storage.Ledger().ListEntries(t.Context(), account.ID, first[len(first)-1].Seq+1, 0)
				require.NoError(t, err)
				require.Len(t, rest, 2)
				require.Equal(t, int64(4), rest[0].Seq)
			})

			t.Run("unknown account is empty", func(t *testing.T) {
				entries, err := storage.Ledger().ListEntries(t.Context(), uuid.New(), 1, 0)

				require.NoError(t, err)
				require.Empty(t, entries)
			})
		})
	})

	t.Run("GetEntryByIdempotencyKey", func(t *testing.T) {
		inTx(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			account, err := storage.Account().CreateAccount(t.Context(), models.AccountStatusActive, false)
			require.NoError(t, err)

			_, err = storage.Ledger().InsertEntry(t.Context(), makeEntry(account.ID, 1, 100, 100, "k-find-me"))
			require.NoError(t, err)

			t.Run("existing key", func(t *testing.T) {
				entry, err := storage.Ledger().GetEntryByIdempotencyKey(t.Context(), "k-find-me")

				require.NoError(t, err)
				require.Equal(t, account.ID, entry.AccountID)
				require.Equal(t, int64(1), entry.Seq)
			})

			t.Run("unknown key", func(t *testing.T) {
				_, err := storage.Ledger().GetEntryByIdempotencyKey(t.Context(), "k-nope")

				require.ErrorIs(t, err, apperrors.ErrIdempotencyKeyNotFound)
			})
		})
	})
}
