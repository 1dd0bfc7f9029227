package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabdil/creditledger/internal/apperrors"
	"github.com/tabdil/creditledger/internal/handlers/render"
	"github.com/tabdil/creditledger/internal/ledger"
	"github.com/tabdil/creditledger/internal/logger"
	"github.com/tabdil/creditledger/internal/models"
)

// IdempotencyKeyHeader carries the caller-supplied idempotency key.
// The HTTP layer passes it through verbatim.
const IdempotencyKeyHeader = "Idempotency-Key"

type balanceResponse struct {
	AccountID string    `json:"account_id"`
	Current   string    `json:"current"`
	LastSeq   int64     `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toBalanceResponse(b models.Balance) balanceResponse {
	return balanceResponse{
		AccountID: b.AccountID.String(),
		Current:   b.Current.String(),
		LastSeq:   b.LastSeq,
		UpdatedAt: b.UpdatedAt,
	}
}

func handleCredit(ledgerService ledgerService, l logger.Logger) http.Handler {
	type request struct {
		AccountID   string          `json:"account_id" validate:"required,uuid"`
		Amount      decimal.Decimal `json:"amount" validate:"required"`
		Reason      string          `json:"reason" validate:"required"`
		ExternalRef *string         `json:"external_ref,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			render.ServiceError(w, "Idempotency-Key header is required", http.StatusBadRequest)
			return
		}

		accountID, err := uuid.Parse(req.AccountID)
		if err != nil {
			render.ServiceError(w, "Invalid account id", http.StatusBadRequest)
			return
		}

		balance, err := ledgerService.Credit(r.Context(), accountID, req.Amount, key, req.Reason, req.ExternalRef)
		writeAdjustResult(w, l, balance, err)
	})
}

func handleDebit(ledgerService ledgerService, l logger.Logger) http.Handler {
	type request struct {
		AccountID string          `json:"account_id" validate:"required,uuid"`
		Amount    decimal.Decimal `json:"amount" validate:"required"`
		Reason    string          `json:"reason" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			render.ServiceError(w, "Idempotency-Key header is required", http.StatusBadRequest)
			return
		}

		accountID, err := uuid.Parse(req.AccountID)
		if err != nil {
			render.ServiceError(w, "Invalid account id", http.StatusBadRequest)
			return
		}

		balance, err := ledgerService.Debit(r.Context(), accountID, req.Amount, key, req.Reason)
		writeAdjustResult(w, l, balance, err)
	})
}

func handleGetBalance(ledgerService ledgerService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(r.PathValue("accountID"))
		if err != nil {
			render.ServiceError(w, "Invalid account id", http.StatusBadRequest)
			return
		}

		// Read mode is explicit: fast accepts bounded staleness, strong
		// reflects the latest committed entry. Default to strong so a
		// forgotten parameter can never cause an overspend decision.
		mode := ledger.ReadStrong
		switch r.URL.Query().Get("mode") {
		case "", "strong":
		case "fast":
			mode = ledger.ReadFast
		default:
			render.ServiceError(w, "Invalid read mode, use 'strong' or 'fast'", http.StatusBadRequest)
			return
		}

		balance, err := ledgerService.GetBalance(r.Context(), accountID, mode)

		switch {
		case err == nil:
			render.JSON(w, toBalanceResponse(balance))
		case errors.Is(err, apperrors.ErrAccountNotFound):
			render.ServiceError(w, "Account not found", http.StatusNotFound)
		default:
			l.Error("Failed to get balance", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleGetHistory(ledgerService ledgerService, l logger.Logger) http.Handler {
	type entryResponse struct {
		Seq              int64     `json:"seq"`
		CreatedAt        time.Time `json:"created_at"`
		Amount           string    `json:"amount"`
		ResultingBalance string    `json:"resulting_balance"`
		IdempotencyKey   string    `json:"idempotency_key"`
		Reason           string    `json:"reason"`
		ExternalRef      *string   `json:"external_ref,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(r.PathValue("accountID"))
		if err != nil {
			render.ServiceError(w, "Invalid account id", http.StatusBadRequest)
			return
		}

		fromSeq, toSeq, err := seqRange(r)
		if err != nil {
			render.ServiceError(w, "Invalid sequence range", http.StatusBadRequest)
			return
		}

		entries, err := ledgerService.GetHistory(r.Context(), accountID, fromSeq, toSeq)

		switch {
		case err == nil:
			response := make([]entryResponse, 0, len(entries))
			for _, e := range entries {
				response = append(response, entryResponse{
					Seq:              e.Seq,
					CreatedAt:        e.CreatedAt,
					Amount:           e.Amount.String(),
					ResultingBalance: e.ResultingBalance.String(),
					IdempotencyKey:   e.IdempotencyKey,
					Reason:           e.Reason,
					ExternalRef:      e.ExternalRef,
				})
			}
			render.JSON(w, response)
		case errors.Is(err, apperrors.ErrAccountNotFound):
			render.ServiceError(w, "Account not found", http.StatusNotFound)
		default:
			l.Error("Failed to list history", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleGetRejections(ledgerService ledgerService, l logger.Logger) http.Handler {
	type rejectionResponse struct {
		ID           string    `json:"id"`
		CreatedAt    time.Time `json:"created_at"`
		Amount       string    `json:"amount"`
		Reason       string    `json:"reason"`
		RejectReason string    `json:"reject_reason"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(r.PathValue("accountID"))
		if err != nil {
			render.ServiceError(w, "Invalid account id", http.StatusBadRequest)
			return
		}

		rejections, err := ledgerService.GetRejections(r.Context(), accountID)

		switch {
		case err == nil:
			response := make([]rejectionResponse, 0, len(rejections))
			for _, rej := range rejections {
				response = append(response, rejectionResponse{
					ID:           rej.ID.String(),
					CreatedAt:    rej.CreatedAt,
					Amount:       rej.Amount.String(),
					Reason:       rej.Reason,
					RejectReason: rej.RejectReason,
				})
			}
			render.JSON(w, response)
		case errors.Is(err, apperrors.ErrAccountNotFound):
			render.ServiceError(w, "Account not found", http.StatusNotFound)
		default:
			l.Error("Failed to list rejections", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleCreateAccount(ledgerService ledgerService, l logger.Logger) http.Handler {
	type request struct {
		AllowOverdraft bool `json:"allow_overdraft"`
	}

	type response struct {
		AccountID      string `json:"account_id"`
		Status         string `json:"status"`
		AllowOverdraft bool   `json:"allow_overdraft"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		account, err := ledgerService.CreateAccount(r.Context(), req.AllowOverdraft)
		if err != nil {
			l.Error("Failed to create account", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, response{
			AccountID:      account.ID.String(),
			Status:         account.Status,
			AllowOverdraft: account.AllowOverdraft,
		})
	})
}

func writeAdjustResult(w http.ResponseWriter, l logger.Logger, balance models.Balance, err error) {
	switch {
	case err == nil:
		render.JSON(w, toBalanceResponse(balance))
	case errors.Is(err, apperrors.ErrBalanceInsufficient):
		render.ServiceError(w, "Insufficient balance", http.StatusPaymentRequired)
	case errors.Is(err, apperrors.ErrAccountNotFound):
		render.ServiceError(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrAccountClosed):
		render.ServiceError(w, "Account is closed", http.StatusConflict)
	case errors.Is(err, apperrors.ErrAccountSuspended):
		render.ServiceError(w, "Account is suspended", http.StatusConflict)
	case errors.Is(err, apperrors.ErrAmountInvalid):
		render.ServiceError(w, "Amount must be positive", http.StatusUnprocessableEntity)
	case errors.Is(err, apperrors.ErrRequestInProgress):
		render.ServiceError(w, "Request with same idempotency key in progress, retry later", http.StatusConflict)
	case errors.Is(err, apperrors.ErrTimeout):
		render.ServiceError(w, "Operation timed out, safe to retry with same key", http.StatusServiceUnavailable)
	default:
		l.Error("Failed to adjust balance", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func seqRange(r *http.Request) (fromSeq int64, toSeq int64, err error) {
	if raw := r.URL.Query().Get("from"); raw != "" {
		fromSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		toSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}

	return fromSeq, toSeq, nil
}
