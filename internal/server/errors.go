package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/smallbiznis/allocledger/internal/allocation/domain"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	backfilldomain "github.com/smallbiznis/allocledger/internal/backfill/domain"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/events"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/invariant"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/lock"
	"github.com/smallbiznis/allocledger/internal/money"
	"github.com/smallbiznis/allocledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

// validationErrors are surfaced to the caller with their code verbatim.
var validationErrors = []error{
	ErrInvalidRequest,
	allocationdomain.ErrInvalidAmount,
	allocationdomain.ErrAmountExceedsPayment,
	allocationdomain.ErrAmountExceedsInvoice,
	allocationdomain.ErrUnknownMethod,
	allocationdomain.ErrInvoiceMismatch,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidOrigin,
	ledgerdomain.ErrInvalidMethod,
	ledgerdomain.ErrRepresentativeMismatch,
	money.ErrInvalidAmount,
	money.ErrPrecisionExceeded,
	money.ErrAmountOutOfRange,
	billingdomain.ErrInvalidInvoiceStatus,
	flagsdomain.ErrUnknownState,
	flagsdomain.ErrInvalidActor,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	pagination.ErrInvalidPageToken,
}

var notFoundErrors = []error{
	ErrNotFound,
	billingdomain.ErrPaymentNotFound,
	billingdomain.ErrInvoiceNotFound,
	balancedomain.ErrInvoiceNotFound,
	balancedomain.ErrEntryNotFound,
	invariant.ErrInvoiceNotFound,
	flagsdomain.ErrUnknownFlag,
	events.ErrEventNotFound,
	gorm.ErrRecordNotFound,
}

var conflictErrors = []error{
	backfilldomain.ErrBackfillState,
	backfilldomain.ErrWritesDisabled,
	ledgerdomain.ErrShadowDisabled,
	allocationdomain.ErrPaymentAllocated,
	allocationdomain.ErrPaymentNotAllocated,
	lock.ErrLockHeld,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := matchCode(err, validationErrors); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ledgerdomain.ErrFeatureDisabled):
		return http.StatusForbidden, errorPayload{
			Type:    "feature_disabled",
			Message: "feature disabled",
		}
	case errors.Is(err, flagsdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrOverAllocation):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "over_allocation",
			Message: err.Error(),
		}
	}

	if code, ok := matchCode(err, conflictErrors); ok {
		return http.StatusConflict, errorPayload{
			Type:    code,
			Message: "conflict",
		}
	}
	if _, ok := matchCode(err, notFoundErrors); ok {
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog gives the request logger the same type and code the
// client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// matchCode returns the code of the first sentinel err wraps.
func matchCode(err error, sentinels []error) (string, bool) {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	switch {
	case code == "invalid_request":
		return "request"
	case strings.HasPrefix(code, "invalid_"):
		return strings.TrimPrefix(code, "invalid_")
	case strings.HasPrefix(code, "amount_"):
		return "amount"
	default:
		return ""
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "amount_exceeds_payment":
		return "amount exceeds the payment amount"
	case "amount_exceeds_invoice":
		return "amount exceeds the invoice remaining balance"
	case "representative_mismatch":
		return "payment and invoice belong to different representatives"
	default:
		return "invalid value"
	}
}
