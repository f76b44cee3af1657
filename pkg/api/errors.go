package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/commerce"
	"github.com/platinummonkey/tollbooth/pkg/httputil"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/observability"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/platinummonkey/tollbooth/pkg/registry"
)

// writeError maps a service error onto a status code and error body
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var checkoutErr *commerce.CheckoutError
	if errors.As(err, &checkoutErr) {
		status := http.StatusPaymentRequired
		if checkoutErr.Reason == balance.ReasonSubscriberNotFound {
			status = http.StatusNotFound
		}
		httputil.WriteErrorResponse(w, status, httputil.ErrorResponse{
			Error:  err.Error(),
			Reason: string(checkoutErr.Reason),
			Data:   checkoutErr.Balance,
		})
		return
	}

	switch {
	case isValidation(err):
		httputil.WriteBadRequest(w, err.Error())
	case isNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case isConflict(err):
		httputil.WriteConflict(w, err.Error())
	case commerce.IsPersistenceError(err):
		observability.FromContext(r.Context()).WithError(err).Error("Persistence failure")
		httputil.WriteServiceUnavailable(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}

func isValidation(err error) bool {
	return commerce.IsValidationError(err) ||
		registry.IsValidationError(err) ||
		ledger.IsValidationError(err) ||
		errors.Is(err, balance.ErrValidation)
}

func isNotFound(err error) bool {
	return errors.Is(err, commerce.ErrReceiptNotFound) ||
		registry.IsNotFoundError(err) ||
		errors.Is(err, plans.ErrPlanNotFound) ||
		errors.Is(err, balance.ErrSubscriberNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, commerce.ErrIdempotencyKeyReuse) ||
		errors.Is(err, commerce.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrIdempotencyKeyReuse) ||
		errors.Is(err, balance.ErrIdempotencyKeyReuse) ||
		registry.IsAlreadyExistsError(err)
}
