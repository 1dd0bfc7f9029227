package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/logger"
	"github.com/tabdil/creditledger/internal/models"
	"github.com/tabdil/creditledger/internal/repository"
)

// ReadMode selects the consistency/latency tradeoff for balance reads.
// Strong reads are for authorization decisions, fast reads for display.
// The mode is an explicit parameter end to end, never a hidden default.
type ReadMode string

const (
	ReadStrong ReadMode = "strong"
	ReadFast   ReadMode = "fast"
)

type Config struct {
	// Upper bound for any single ledger operation. Exceeding it surfaces
	// as apperrors.ErrTimeout, never as a hang.
	OpTimeout time.Duration

	// How long fast reads may serve a cached balance
	CacheTTL time.Duration

	// Age after which an unfinished idempotency reservation may be taken
	// over by a retry. See IdempotencyRepo.Reserve for the tradeoff.
	InProgressTimeout time.Duration

	// Finalized idempotency records older than this are purgeable.
	// Callers are expected to stop retrying long before it expires.
	IdempotencyRetention time.Duration
}

const (
	defaultOpTimeout            = 5 * time.Second
	defaultCacheTTL             = 30 * time.Second
	defaultInProgressTimeout    = 15 * time.Minute
	defaultIdempotencyRetention = 48 * time.Hour
)

// Service coordinates the ledger store, balance projector, idempotency
// guard and balance cache behind the four public credit operations.
type Service struct {
	cfg       Config
	storage   repository.Storage
	projector *Projector
	cache     *BalanceCache
	log       logger.Logger
}

func NewService(cfg Config, storage repository.Storage, log logger.Logger) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.InProgressTimeout <= 0 {
		cfg.InProgressTimeout = defaultInProgressTimeout
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = defaultIdempotencyRetention
	}

	return &Service{
		cfg:       cfg,
		storage:   storage,
		projector: NewProjector(storage, log),
		cache:     NewBalanceCache(cfg.CacheTTL),
		log:       log,
	}
}

// Credit adds amount to the account balance.
// Retries with the same idempotency key replay the first outcome.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string, reason string, externalRef *string) (models.Balance, error) {
	if !amount.IsPositive() {
		return models.Balance{}, apperrors.ErrAmountInvalid
	}

	return s.adjust(ctx, accountID, amount, idempotencyKey, reason, externalRef)
}

// Debit consumes amount from the account balance. Fails with
// apperrors.ErrBalanceInsufficient when the balance would go negative and
// the account has no overdraft; the refusal is recorded for audit and
// replayed on retries of the same key.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string, reason string) (models.Balance, error) {
	if !amount.IsPositive() {
		return models.Balance{}, apperrors.ErrAmountInvalid
	}

	return s.adjust(ctx, accountID, amount.Neg(), idempotencyKey, reason, nil)
}

// GetBalance returns the account balance in the requested read mode.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, mode ReadMode) (models.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if mode == ReadFast {
		if balance, ok := s.cache.Get(accountID); ok {
			return balance, nil
		}
	}

	if _, err := s.storage.Account().GetAccount(ctx, accountID); err != nil {
		return models.Balance{}, timeoutOr(ctx, err)
	}

	balance, err := s.projector.GetBalance(ctx, accountID)
	if err != nil {
		return balance, timeoutOr(ctx, err)
	}

	// Only fast-read misses populate the cache. Strong reads stay out of
	// it entirely so a slow strong read can not reinsert a snapshot that a
	// concurrent write already invalidated.
	if mode == ReadFast {
		s.cache.Put(balance)
	}

	return balance, nil
}

// GetHistory returns committed entries with fromSeq <= seq <= toSeq
// (toSeq <= 0 means to the end). Used for audit export; resume by passing
// the last seen seq + 1.
func (s *Service) GetHistory(ctx context.Context, accountID uuid.UUID, fromSeq int64, toSeq int64) ([]models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if _, err := s.storage.Account().GetAccount(ctx, accountID); err != nil {
		return nil, timeoutOr(ctx, err)
	}

	entries, err := s.storage.Ledger().ListEntries(ctx, accountID, fromSeq, toSeq)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}

	return entries, nil
}

// GetRejections returns the rejection audit trail for the account.
func (s *Service) GetRejections(ctx context.Context, accountID uuid.UUID) ([]models.Rejection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if _, err := s.storage.Account().GetAccount(ctx, accountID); err != nil {
		return nil, timeoutOr(ctx, err)
	}

	rejections, err := s.storage.Rejection().ListRejections(ctx, accountID)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}

	return rejections, nil
}

// CreateAccount registers an account with the ledger. Provisioning policy
// lives outside; this only creates the row the ledger needs to reference.
func (s *Service) CreateAccount(ctx context.Context, allowOverdraft bool) (models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	account, err := s.storage.Account().CreateAccount(ctx, models.AccountStatusActive, allowOverdraft)
	if err != nil {
		return account, timeoutOr(ctx, err)
	}

	return account, nil
}

// Reconcile verifies the account projection against the ledger fold and
// repairs it when they diverge. See Projector.Reconcile.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (models.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	balance, err := s.projector.Reconcile(ctx, accountID)
	if err != nil {
		s.cache.Invalidate(accountID)
		return balance, timeoutOr(ctx, err)
	}

	return balance, nil
}

// PurgeIdempotencyRecords removes finalized idempotency records older than
// the retention window. Ledger entries are never purged.
func (s *Service) PurgeIdempotencyRecords(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.IdempotencyRetention)
	purged, err := s.storage.Idempotency().PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, timeoutOr(ctx, err)
	}

	if purged > 0 {
		s.log.Info("purged idempotency records", "count", purged, "cutoff", cutoff)
	}

	return purged, nil
}

// adjust runs the shared credit/debit path:
// reserve key -> append -> project -> invalidate cache -> record outcome.
// Once the entry is committed the tail always runs; there is no
// cancellation hook past the append because the entry is already durable.
func (s *Service) adjust(ctx context.Context, accountID uuid.UUID, signedAmount decimal.Decimal, idempotencyKey string, reason string, externalRef *string) (models.Balance, error) {
	if idempotencyKey == "" {
		return models.Balance{}, fmt.Errorf("%w: idempotency key required", apperrors.ErrAmountInvalid)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	record, reserved, err := s.storage.Idempotency().Reserve(ctx, idempotencyKey, accountID, signedAmount, s.cfg.InProgressTimeout)
	if err != nil {
		return models.Balance{}, timeoutOr(ctx, err)
	}
	if !reserved {
		return s.replay(ctx, record)
	}

	var entry models.LedgerEntry
	var balance models.Balance

	err = s.storage.InTx(ctx, func(storage repository.Storage) error {
		account, err := storage.Account().LockAccount(ctx, accountID)
		if err != nil {
			return err
		}

		switch account.Status {
		case models.AccountStatusClosed:
			return apperrors.ErrAccountClosed
		case models.AccountStatusSuspended:
			return apperrors.ErrAccountSuspended
		}

		last, found, err := storage.Ledger().GetLastEntry(ctx, accountID)
		if err != nil {
			return err
		}

		previous := decimal.Zero
		seq := int64(1)
		if found {
			previous = last.ResultingBalance
			seq = last.Seq + 1
		}

		resulting := previous.Add(signedAmount)
		if resulting.IsNegative() && !account.AllowOverdraft {
			return apperrors.ErrBalanceInsufficient
		}

		entry, err = storage.Ledger().InsertEntry(ctx, models.LedgerEntry{
			AccountID:        accountID,
			Seq:              seq,
			CreatedAt:        time.Now().UTC(),
			Amount:           signedAmount,
			ResultingBalance: resulting,
			IdempotencyKey:   idempotencyKey,
			Reason:           reason,
			ExternalRef:      externalRef,
		})
		if err != nil {
			return err
		}

		balance, err = s.projector.Apply(ctx, storage, entry)
		return err
	})

	switch {
	case err == nil:
		// Invalidate before acknowledging so the caller can never see a
		// cache hit older than the write it just made.
		s.cache.Invalidate(accountID)

		if err := s.storage.Idempotency().RecordOutcome(ctx, idempotencyKey, entry.Seq, signedAmount); err != nil {
			// The entry is durable; a lost outcome only means a later
			// retry resolves through the duplicate-entry path.
			s.log.Error("failed to record idempotency outcome", "key", idempotencyKey, "error", err)
		}
		return balance, nil

	case errors.Is(err, apperrors.ErrDuplicateEntry):
		// A previous holder of this key appended and crashed before
		// finalizing, then we took the reservation over. The committed
		// entry is the outcome.
		return s.resolveDuplicate(ctx, idempotencyKey, signedAmount)

	case errors.Is(err, apperrors.ErrBalanceInsufficient),
		errors.Is(err, apperrors.ErrAccountClosed),
		errors.Is(err, apperrors.ErrAccountSuspended):
		s.recordRejection(ctx, accountID, signedAmount, reason, idempotencyKey, err)
		return models.Balance{}, err

	case errors.Is(err, apperrors.ErrAccountNotFound):
		// No account row to hang a rejection record on, but the key is
		// still finalized so retries replay the same refusal.
		if ferr := s.storage.Idempotency().RecordRejection(ctx, idempotencyKey, err.Error()); ferr != nil {
			s.log.Error("failed to finalize rejected key", "key", idempotencyKey, "error", ferr)
		}
		return models.Balance{}, err

	case errors.Is(err, apperrors.ErrOutOfOrderApply):
		s.log.Error("projection refused entry, reconciling", "account_id", accountID, "error", err)
		if _, rerr := s.Reconcile(context.WithoutCancel(ctx), accountID); rerr != nil {
			s.log.Error("reconciliation after out-of-order apply failed", "account_id", accountID, "error", rerr)
		}
		return models.Balance{}, err

	default:
		return models.Balance{}, timeoutOr(ctx, err)
	}
}

// replay returns the stored outcome for an already-seen idempotency key
// without touching the ledger.
func (s *Service) replay(ctx context.Context, record models.IdempotencyRecord) (models.Balance, error) {
	switch record.Status {
	case models.IdempotencyApplied:
		entry, err := s.storage.Ledger().GetEntryByIdempotencyKey(ctx, record.Key)
		if err != nil {
			return models.Balance{}, timeoutOr(ctx, err)
		}
		return models.Balance{
			AccountID: entry.AccountID,
			Current:   entry.ResultingBalance,
			LastSeq:   entry.Seq,
			UpdatedAt: entry.CreatedAt,
		}, nil

	case models.IdempotencyRejected:
		reason := ""
		if record.RejectReason != nil {
			reason = *record.RejectReason
		}
		return models.Balance{}, rejectionError(reason)

	default:
		return models.Balance{}, apperrors.ErrRequestInProgress
	}
}

// resolveDuplicate finalizes a taken-over key whose entry is already
// committed and returns that entry's outcome.
func (s *Service) resolveDuplicate(ctx context.Context, idempotencyKey string, signedAmount decimal.Decimal) (models.Balance, error) {
	entry, err := s.storage.Ledger().GetEntryByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return models.Balance{}, timeoutOr(ctx, err)
	}

	s.cache.Invalidate(entry.AccountID)

	if err := s.storage.Idempotency().RecordOutcome(ctx, idempotencyKey, entry.Seq, signedAmount); err != nil {
		s.log.Error("failed to finalize taken-over key", "key", idempotencyKey, "error", err)
	}

	return models.Balance{
		AccountID: entry.AccountID,
		Current:   entry.ResultingBalance,
		LastSeq:   entry.Seq,
		UpdatedAt: entry.CreatedAt,
	}, nil
}

// recordRejection writes the immutable rejection audit row and finalizes
// the idempotency key so a retried rejected request returns the same
// rejection instead of re-evaluating against a possibly-changed balance.
func (s *Service) recordRejection(ctx context.Context, accountID uuid.UUID, signedAmount decimal.Decimal, reason string, idempotencyKey string, cause error) {
	// The append context may already be expired; auditing still has to
	// finish.
	ctx = context.WithoutCancel(ctx)

	_, err := s.storage.Rejection().CreateRejection(ctx, models.Rejection{
		ID:           uuid.New(),
		CreatedAt:    time.Now().UTC(),
		AccountID:    accountID,
		Amount:       signedAmount,
		Reason:       reason,
		RejectReason: cause.Error(),
	})
	if err != nil {
		s.log.Error("failed to write rejection record", "account_id", accountID, "error", err)
	}

	if err := s.storage.Idempotency().RecordRejection(ctx, idempotencyKey, cause.Error()); err != nil {
		s.log.Error("failed to finalize rejected key", "key", idempotencyKey, "error", err)
	}
}

// rejectionError maps a stored rejection reason back to its sentinel.
func rejectionError(reason string) error {
	for _, sentinel := range []error{
		apperrors.ErrBalanceInsufficient,
		apperrors.ErrAccountClosed,
		apperrors.ErrAccountSuspended,
		apperrors.ErrAccountNotFound,
	} {
		if sentinel.Error() == reason {
			return sentinel
		}
	}

	return fmt.Errorf("request rejected: %s", reason)
}

// timeoutOr maps a deadline hit to the ledger's timeout error so callers
// can classify it as retryable; any other error passes through.
func timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %s", apperrors.ErrTimeout, err)
	}

	return err
}
