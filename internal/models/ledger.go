package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ReasonPurchase    = "purchase"
	ReasonConsumption = "consumption"
	ReasonRefund      = "refund"
	ReasonAdjustment  = "adjustment"
)

// LedgerEntry is one immutable balance-changing event. Entries for an
// account form a gap-free sequence starting at 1; corrections are new
// compensating entries, never updates.
type LedgerEntry struct {
	AccountID        uuid.UUID
	Seq              int64
	CreatedAt        time.Time
	Amount           decimal.Decimal // positive = credit, negative = debit
	ResultingBalance decimal.Decimal
	IdempotencyKey   string
	Reason           string
	ExternalRef      *string
}

// Balance is the materialized projection of an account's entries.
// It is derived state: the fold of the ledger from seq 1 always wins.
type Balance struct {
	AccountID uuid.UUID
	Current   decimal.Decimal
	LastSeq   int64
	UpdatedAt time.Time
}

// Rejection is an immutable audit record of a refused adjustment.
// An attempted overspend is itself a reportable event, so rejections are
// kept forever just like committed entries.
type Rejection struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	AccountID    uuid.UUID
	Amount       decimal.Decimal
	Reason       string
	RejectReason string
}
