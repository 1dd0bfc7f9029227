package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyApplied    = "applied"
	IdempotencyRejected   = "rejected"
)

// IdempotencyRecord maps a caller-supplied key to the outcome it produced.
// Created on first sight of the key, finalized exactly once; retries replay
// the stored outcome instead of re-executing.
type IdempotencyRecord struct {
	Key          string
	AccountID    uuid.UUID
	Status       string
	EntrySeq     *int64
	Amount       decimal.Decimal
	RejectReason *string
	ReservedAt   time.Time
	FinalizedAt  *time.Time
}

func (r *IdempotencyRecord) Finalized() bool {
	return r.Status != IdempotencyInProgress
}
