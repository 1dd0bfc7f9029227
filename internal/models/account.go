package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusClosed    = "closed"
)

// Account is owned by the account-management system; the ledger only
// references it by id and reads its status and overdraft flag.
type Account struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Status         string
	AllowOverdraft bool
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
