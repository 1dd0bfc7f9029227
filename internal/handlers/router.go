package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabdil/creditledger/internal/handlers/middleware"
	"github.com/tabdil/creditledger/internal/ledger"
	"github.com/tabdil/creditledger/internal/logger"
	"github.com/tabdil/creditledger/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

// NewRouter wires the ledger API. Caller identity and authorization are
// handled by the platform gateway in front of this service; the router
// passes the idempotency key and read mode through verbatim.
func NewRouter(ledgerService ledgerService, logger logger.Logger) http.Handler {
	api := http.NewServeMux()

	api.Handle("POST /accounts", handleCreateAccount(ledgerService, logger))
	api.Handle("POST /credits", handleCredit(ledgerService, logger))
	api.Handle("POST /debits", handleDebit(ledgerService, logger))
	api.Handle("GET /accounts/{accountID}/balance", handleGetBalance(ledgerService, logger))
	api.Handle("GET /accounts/{accountID}/entries", handleGetHistory(ledgerService, logger))
	api.Handle("GET /accounts/{accountID}/rejections", handleGetRejections(ledgerService, logger))

	root := http.NewServeMux()
	root.Handle("/api/ledger/", http.StripPrefix("/api/ledger", api))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type ledgerService interface {
	// Add amount to the account balance
	// Retries with the same idempotency key must replay the first outcome
	Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string, reason string, externalRef *string) (models.Balance, error)

	// Consume amount from the account balance
	// Has to return apperrors.ErrBalanceInsufficient on overspend
	Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey string, reason string) (models.Balance, error)

	// Balance read in the requested mode (strong or fast)
	GetBalance(ctx context.Context, accountID uuid.UUID, mode ledger.ReadMode) (models.Balance, error)

	// Committed entries ordered by seq; used for audit export
	GetHistory(ctx context.Context, accountID uuid.UUID, fromSeq int64, toSeq int64) ([]models.LedgerEntry, error)

	// Rejection audit trail
	GetRejections(ctx context.Context, accountID uuid.UUID) ([]models.Rejection, error)

	// Register an account with the ledger
	CreateAccount(ctx context.Context, allowOverdraft bool) (models.Account, error)
}
