package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/logger"
	"github.com/tabdil/creditledger/internal/models"
	"github.com/tabdil/creditledger/internal/repository"
)

// recomputeBatchSize limits how many entries a single fold query pulls.
const recomputeBatchSize = 500

// Projector maintains the materialized balance per account. The projection
// is derived state: it can always be rebuilt by folding the ledger from
// seq 1, so losing it costs availability, never correctness.
type Projector struct {
	storage repository.Storage
	log     logger.Logger
}

func NewProjector(storage repository.Storage, log logger.Logger) *Projector {
	return &Projector{
		storage: storage,
		log:     log,
	}
}

// Apply advances the projection by one committed entry using the given
// storage (normally the transaction the entry was appended in).
// ErrOutOfOrderApply means a bug upstream and must never be swallowed.
func (p *Projector) Apply(ctx context.Context, storage repository.Storage, entry models.LedgerEntry) (models.Balance, error) {
	balance, err := storage.Balance().ApplyEntry(ctx, entry)
	if err != nil {
		return balance, fmt.Errorf("projecting entry seq %d for account %s: %w", entry.Seq, entry.AccountID, err)
	}

	return balance, nil
}

// GetBalance returns the materialized balance. When the projection row is
// missing (cold start, dropped projection) it is rebuilt from the ledger.
func (p *Projector) GetBalance(ctx context.Context, accountID uuid.UUID) (models.Balance, error) {
	balance, found, err := p.storage.Balance().GetBalance(ctx, accountID)
	if err != nil {
		return balance, err
	}
	if found {
		return balance, nil
	}

	balance, err = p.Recompute(ctx, accountID)
	if err != nil {
		return balance, err
	}
	if balance.LastSeq > 0 {
		p.log.Warn("rebuilt missing balance projection", "account_id", accountID, "last_seq", balance.LastSeq)
		if err := p.storage.Balance().ReplaceBalance(ctx, balance); err != nil {
			return balance, err
		}
	}

	return balance, nil
}

// Recompute folds the whole ledger for the account and returns the
// authoritative balance. Read-only; does not touch the projection.
func (p *Projector) Recompute(ctx context.Context, accountID uuid.UUID) (models.Balance, error) {
	balance := models.Balance{
		AccountID: accountID,
		Current:   decimal.Zero,
	}

	fromSeq := int64(1)
	for {
		entries, err := p.storage.Ledger().ListEntries(ctx, accountID, fromSeq, fromSeq+recomputeBatchSize-1)
		if err != nil {
			return balance, err
		}

		for _, entry := range entries {
			if entry.Seq != balance.LastSeq+1 {
				return balance, fmt.Errorf("ledger for account %s has gap at seq %d: %w", accountID, balance.LastSeq+1, apperrors.ErrOutOfOrderApply)
			}
			balance.Current = balance.Current.Add(entry.Amount)
			balance.LastSeq = entry.Seq

			if !balance.Current.Equal(entry.ResultingBalance) {
				return balance, fmt.Errorf("entry seq %d resulting balance %s != folded %s: %w",
					entry.Seq, entry.ResultingBalance, balance.Current, apperrors.ErrProjectionMismatch)
			}
		}

		if int64(len(entries)) < recomputeBatchSize {
			return balance, nil
		}
		fromSeq += recomputeBatchSize
	}
}

// Reconcile recomputes the balance, compares it against the materialized
// row and rebuilds the row when they diverge. Divergence is a corruption
// signal: the projection is repaired but the mismatch is still returned as
// ErrProjectionMismatch so callers can alert on it.
func (p *Projector) Reconcile(ctx context.Context, accountID uuid.UUID) (models.Balance, error) {
	folded, err := p.Recompute(ctx, accountID)
	if err != nil {
		return folded, err
	}

	materialized, found, err := p.storage.Balance().GetBalance(ctx, accountID)
	if err != nil {
		return folded, err
	}

	switch {
	case !found && folded.LastSeq == 0:
		// Nothing projected, nothing in the ledger.
		return folded, nil
	case found && materialized.LastSeq == folded.LastSeq && materialized.Current.Equal(folded.Current):
		return folded, nil
	}

	p.log.Error("balance projection diverged from ledger, rebuilding",
		"account_id", accountID,
		"projected", materialized.Current,
		"projected_seq", materialized.LastSeq,
		"folded", folded.Current,
		"folded_seq", folded.LastSeq,
	)

	if err := p.storage.Balance().ReplaceBalance(ctx, folded); err != nil {
		return folded, err
	}

	return folded, fmt.Errorf("account %s projection rebuilt: %w", accountID, apperrors.ErrProjectionMismatch)
}
