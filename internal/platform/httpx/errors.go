// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/corebank/internal/shared"
)

type errorMapping struct {
	target error
	status int
	title  string
	code   string
}

// Order matters: specific taxonomy errors are matched before the generic ones
// they may also wrap.
var errorMappings = []errorMapping{
	{shared.ErrDayClosed, http.StatusConflict, "Accounting Day Closed", "DayClosed"},
	{shared.ErrDuplicateCode, http.StatusConflict, "Duplicate Code", "DuplicateCode"},
	{shared.ErrUnbalancedEntry, http.StatusConflict, "Unbalanced Entry", "UnbalancedEntry"},
	{shared.ErrUnknownAccount, http.StatusNotFound, "Unknown Account", "UnknownAccount"},
	{shared.ErrNegativeBalanceNotAllowed, http.StatusUnprocessableEntity, "Negative Balance Not Allowed", "NegativeBalanceNotAllowed"},
	{shared.ErrCustodyDiscrepancy, http.StatusConflict, "Custody Discrepancy", "CustodyDiscrepancy"},
	{shared.ErrConcurrentModification, http.StatusServiceUnavailable, "Concurrent Modification", "ConcurrentModification"},
	{shared.ErrUnavailable, http.StatusServiceUnavailable, "Collaborator Unavailable", "Unavailable"},
	{shared.ErrInvalidTransition, http.StatusConflict, "Invalid Transition", "InvalidTransition"},
	{shared.ErrConflict, http.StatusConflict, "Conflict", "Conflict"},
	{shared.ErrNotFound, http.StatusNotFound, "Not Found", "NotFound"},
	{shared.ErrValidation, http.StatusBadRequest, "Validation Failed", "Validation"},
	{shared.ErrForbidden, http.StatusForbidden, "Forbidden", "Forbidden"},
}

// StatusFor returns the HTTP status RespondError would use for err.
func StatusFor(err error) int {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			JSON(w, m.status, ProblemDetail{
				Type:   "urn:corebank:error:" + m.code,
				Title:  m.title,
				Status: m.status,
				Detail: err.Error(),
				Code:   m.code,
			})
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
