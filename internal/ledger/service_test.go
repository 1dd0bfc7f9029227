package ledger

import (
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/logger"
	"github.com/tabdil/creditledger/internal/models"
	"github.com/tabdil/creditledger/internal/repository/postgres"
	"github.com/tabdil/creditledger/internal/testutil"
)

// Service tests run against a real postgres because the whole point of the
// ledger is the transactional behavior. Each subtest creates its own
// account; the container is shared per test function.
func TestService(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	storage := postgres.NewStorage(pg.Pool)
	svc := NewService(Config{}, storage, logger.NewNoOpLogger())

	key := func(name string) string {
		return "svc-" + uuid.NewString()[:8] + "-" + name
	}

	t.Run("credit debit lifecycle", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		k1, k2, k3 := key("k1"), key("k2"), key("k3")

		balance, err := svc.Credit(t.Context(), account.ID, decimal.NewFromInt(100), k1, models.ReasonPurchase, nil)
		require.NoError(t, err)
		require.True(t, balance.Current.Equal(decimal.NewFromInt(100)))
		require.EqualValues(t, 1, balance.LastSeq)

		_, err = svc.Debit(t.Context(), account.ID, decimal.NewFromInt(150), k2, models.ReasonConsumption)
		require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient, "debit beyond the balance must be refused")

		balance, err = svc.Debit(t.Context(), account.ID, decimal.NewFromInt(60), k3, models.ReasonConsumption)
		require.NoError(t, err)
		require.True(t, balance.Current.Equal(decimal.NewFromInt(40)))
		require.EqualValues(t, 2, balance.LastSeq)

		t.Run("retried credit replays the original outcome", func(t *testing.T) {
			replayed, err := svc.Credit(t.Context(), account.ID, decimal.NewFromInt(100), k1, models.ReasonPurchase, nil)

			require.NoError(t, err)
			require.True(t, replayed.Current.Equal(decimal.NewFromInt(100)), "replay returns the balance as of the original apply")
			require.EqualValues(t, 1, replayed.LastSeq)

			current, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
			require.NoError(t, err)
			require.True(t, current.Current.Equal(decimal.NewFromInt(40)), "replay must not change the balance")
		})

		t.Run("retried rejected debit replays the rejection", func(t *testing.T) {
			_, err := svc.Debit(t.Context(), account.ID, decimal.NewFromInt(150), k2, models.ReasonConsumption)
			require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient)
		})

		t.Run("rejection is recorded exactly once", func(t *testing.T) {
			rejections, err := svc.GetRejections(t.Context(), account.ID)

			require.NoError(t, err)
			require.Len(t, rejections, 1)
			require.True(t, rejections[0].Amount.Equal(decimal.NewFromInt(-150)))
			require.Equal(t, models.ReasonConsumption, rejections[0].Reason)
		})

		t.Run("history holds committed entries only", func(t *testing.T) {
			entries, err := svc.GetHistory(t.Context(), account.ID, 1, 0)

			require.NoError(t, err)
			require.Len(t, entries, 2, "rejected requests must not appear in the ledger")
			require.EqualValues(t, 1, entries[0].Seq)
			require.True(t, entries[0].ResultingBalance.Equal(decimal.NewFromInt(100)))
			require.EqualValues(t, 2, entries[1].Seq)
			require.True(t, entries[1].ResultingBalance.Equal(decimal.NewFromInt(40)))
		})
	})

	t.Run("amount validation", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		_, err = svc.Credit(t.Context(), account.ID, decimal.Zero, key("z"), models.ReasonPurchase, nil)
		require.ErrorIs(t, err, apperrors.ErrAmountInvalid)

		_, err = svc.Debit(t.Context(), account.ID, decimal.NewFromInt(-5), key("n"), models.ReasonConsumption)
		require.ErrorIs(t, err, apperrors.ErrAmountInvalid)

		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(5), "", models.ReasonPurchase, nil)
		require.ErrorIs(t, err, apperrors.ErrAmountInvalid, "an idempotency key is mandatory")
	})

	t.Run("unknown account", func(t *testing.T) {
		k := key("ghost")

		_, err := svc.Credit(t.Context(), uuid.New(), decimal.NewFromInt(10), k, models.ReasonPurchase, nil)
		require.ErrorIs(t, err, apperrors.ErrAccountNotFound)

		t.Run("retry replays the refusal", func(t *testing.T) {
			_, err := svc.Credit(t.Context(), uuid.New(), decimal.NewFromInt(10), k, models.ReasonPurchase, nil)
			require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
		})
	})

	t.Run("overdraft", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), true)
		require.NoError(t, err)

		balance, err := svc.Debit(t.Context(), account.ID, decimal.NewFromInt(30), key("od"), models.ReasonConsumption)

		require.NoError(t, err, "overdraft accounts may go negative")
		require.True(t, balance.Current.Equal(decimal.NewFromInt(-30)))
	})

	t.Run("suspended and closed accounts refuse adjustments", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		require.NoError(t, storage.Account().SetStatus(t.Context(), account.ID, models.AccountStatusSuspended))
		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(10), key("s"), models.ReasonPurchase, nil)
		require.ErrorIs(t, err, apperrors.ErrAccountSuspended)

		require.NoError(t, storage.Account().SetStatus(t.Context(), account.ID, models.AccountStatusClosed))
		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(10), key("c"), models.ReasonPurchase, nil)
		require.ErrorIs(t, err, apperrors.ErrAccountClosed)

		t.Run("reads still work", func(t *testing.T) {
			balance, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
			require.NoError(t, err)
			require.True(t, balance.Current.Equal(decimal.Zero))
		})
	})

	t.Run("strong and fast reads", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(100), key("r1"), models.ReasonPurchase, nil)
		require.NoError(t, err)

		fast, err := svc.GetBalance(t.Context(), account.ID, ReadFast)
		require.NoError(t, err)
		require.True(t, fast.Current.Equal(decimal.NewFromInt(100)))

		// The write invalidates the cached snapshot before returning, so
		// the very next fast read already sees the new balance.
		_, err = svc.Debit(t.Context(), account.ID, decimal.NewFromInt(25), key("r2"), models.ReasonConsumption)
		require.NoError(t, err)

		fast, err = svc.GetBalance(t.Context(), account.ID, ReadFast)
		require.NoError(t, err)
		require.True(t, fast.Current.Equal(decimal.NewFromInt(75)), "own writes must be visible to fast reads")

		strong, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
		require.NoError(t, err)
		require.True(t, strong.Current.Equal(decimal.NewFromInt(75)))
	})

	t.Run("no overspend under concurrency", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(100), key("seed"), models.ReasonPurchase, nil)
		require.NoError(t, err)

		const workers = 20
		results := make(chan error, workers)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.Debit(t.Context(), account.ID, decimal.NewFromInt(10), key("w"+strconv.Itoa(i)), models.ReasonConsumption)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		applied, rejected := 0, 0
		for err := range results {
			switch {
			case err == nil:
				applied++
			default:
				require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient)
				rejected++
			}
		}
		require.Equal(t, 10, applied, "exactly the covered debits may apply")
		require.Equal(t, 10, rejected)

		balance, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
		require.NoError(t, err)
		require.True(t, balance.Current.Equal(decimal.Zero), "the balance must never go negative")

		t.Run("seq stays gap-free", func(t *testing.T) {
			entries, err := svc.GetHistory(t.Context(), account.ID, 1, 0)
			require.NoError(t, err)
			require.Len(t, entries, 11)

			running := decimal.Zero
			for i, entry := range entries {
				require.EqualValues(t, i+1, entry.Seq)
				running = running.Add(entry.Amount)
				require.True(t, entry.ResultingBalance.Equal(running))
			}
		})
	})

	t.Run("two concurrent debits against a thin balance", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(40), key("thin"), models.ReasonPurchase, nil)
		require.NoError(t, err)

		kx, ky := key("kx"), key("ky")
		errs := make(map[string]error, 2)

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, k := range []string{kx, ky} {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				_, err := svc.Debit(t.Context(), account.ID, decimal.NewFromInt(30), k, models.ReasonConsumption)
				mu.Lock()
				errs[k] = err
				mu.Unlock()
			}(k)
		}
		wg.Wait()

		// 30+30 > 40: whoever reaches the row lock second must be refused.
		var winner, loser string
		switch {
		case errs[kx] == nil:
			winner, loser = kx, ky
		default:
			winner, loser = ky, kx
		}
		require.NoError(t, errs[winner])
		require.ErrorIs(t, errs[loser], apperrors.ErrBalanceInsufficient)

		balance, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
		require.NoError(t, err)
		require.True(t, balance.Current.Equal(decimal.NewFromInt(10)))

		t.Run("retries replay, never double-decrement", func(t *testing.T) {
			replayed, err := svc.Debit(t.Context(), account.ID, decimal.NewFromInt(30), winner, models.ReasonConsumption)
			require.NoError(t, err)
			require.True(t, replayed.Current.Equal(decimal.NewFromInt(10)))

			_, err = svc.Debit(t.Context(), account.ID, decimal.NewFromInt(30), loser, models.ReasonConsumption)
			require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient)

			balance, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
			require.NoError(t, err)
			require.True(t, balance.Current.Equal(decimal.NewFromInt(10)), "retries must not change the balance")
		})
	})

	t.Run("concurrent same key appends once", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		k := key("race")
		const callers = 8
		results := make(chan error, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Credit(t.Context(), account.ID, decimal.NewFromInt(50), k, models.ReasonPurchase, nil)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			switch {
			case err == nil:
				succeeded++
			default:
				// Callers racing a live reservation are told to retry later.
				require.ErrorIs(t, err, apperrors.ErrRequestInProgress)
			}
		}
		require.GreaterOrEqual(t, succeeded, 1)

		entries, err := svc.GetHistory(t.Context(), account.ID, 1, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1, "one key must never append more than one entry")

		balance, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
		require.NoError(t, err)
		require.True(t, balance.Current.Equal(decimal.NewFromInt(50)))
	})

	t.Run("reconcile repairs a diverged projection", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(100), key("rc1"), models.ReasonPurchase, nil)
		require.NoError(t, err)
		_, err = svc.Debit(t.Context(), account.ID, decimal.NewFromInt(30), key("rc2"), models.ReasonConsumption)
		require.NoError(t, err)

		// Corrupt the projection behind the service's back
		_, err = pg.Pool.Exec(t.Context(), "UPDATE balances SET current = 999 WHERE account_id = $1", account.ID)
		require.NoError(t, err)

		balance, err := svc.Reconcile(t.Context(), account.ID)

		require.ErrorIs(t, err, apperrors.ErrProjectionMismatch, "divergence is repaired but still reported")
		require.True(t, balance.Current.Equal(decimal.NewFromInt(70)))

		strong, err := svc.GetBalance(t.Context(), account.ID, ReadStrong)
		require.NoError(t, err)
		require.True(t, strong.Current.Equal(decimal.NewFromInt(70)))

		t.Run("clean projection reconciles silently", func(t *testing.T) {
			balance, err := svc.Reconcile(t.Context(), account.ID)
			require.NoError(t, err)
			require.True(t, balance.Current.Equal(decimal.NewFromInt(70)))
		})
	})

	t.Run("purge drops only expired finalized records", func(t *testing.T) {
		account, err := svc.CreateAccount(t.Context(), false)
		require.NoError(t, err)

		expired := key("old")
		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(10), expired, models.ReasonPurchase, nil)
		require.NoError(t, err)

		fresh := key("new")
		_, err = svc.Credit(t.Context(), account.ID, decimal.NewFromInt(10), fresh, models.ReasonPurchase, nil)
		require.NoError(t, err)

		// Age one record past the retention window
		_, err = pg.Pool.Exec(t.Context(),
			"UPDATE idempotency_keys SET finalized_at = now() - interval '3 days' WHERE key = $1", expired)
		require.NoError(t, err)

		purged, err := svc.PurgeIdempotencyRecords(t.Context())
		require.NoError(t, err)
		require.EqualValues(t, 1, purged)

		_, err = storage.Idempotency().GetRecord(t.Context(), expired)
		require.ErrorIs(t, err, apperrors.ErrIdempotencyKeyNotFound)

		_, err = storage.Idempotency().GetRecord(t.Context(), fresh)
		require.NoError(t, err)

		t.Run("retry after purge still resolves to the committed entry", func(t *testing.T) {
			// The idempotency record is gone but the ledger keeps the
			// key; the duplicate-entry path replays the original outcome.
			balance, err := svc.Credit(t.Context(), account.ID, decimal.NewFromInt(10), expired, models.ReasonPurchase, nil)

			require.NoError(t, err)
			require.True(t, balance.Current.Equal(decimal.NewFromInt(10)))
			require.EqualValues(t, 1, balance.LastSeq)

			entries, err := svc.GetHistory(t.Context(), account.ID, 1, 0)
			require.NoError(t, err)
			require.Len(t, entries, 2, "the retry must not append again")
		})
	})
}
