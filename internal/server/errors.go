package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/railgate/internal/authorization"
	"github.com/smallbiznis/railgate/internal/counter"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	meterdomain "github.com/smallbiznis/railgate/internal/meter/domain"
	"github.com/smallbiznis/railgate/internal/ratelimit"
	usagedomain "github.com/smallbiznis/railgate/internal/usage/domain"
	"github.com/smallbiznis/railgate/pkg/db/option"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

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

// bindingError turns gin binding failures into field-level validation errors.
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := &ValidationErrors{}
		for _, fe := range verrs {
			field := fe.Field()
			out.Errors = append(out.Errors, ValidationError{
				Field:   field,
				Code:    fe.Tag(),
				Message: field + " failed " + fe.Tag() + " validation",
			})
		}
		return out
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr):
		return newValidationError(typeErr.Field, "invalid_type", "unexpected type for "+typeErr.Field)
	case errors.As(err, &syntaxErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return invalidRequestError()
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return newValidationError(field, "unknown_field", "unknown field "+field)
	default:
		return invalidRequestError()
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

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: strings.ReplaceAll(code, "_", " "),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, entitlementdomain.ErrMissingActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, entitlementdomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, reasonPayload(entitlementdomain.ReasonQuotaExceeded)
	case errors.Is(err, entitlementdomain.ErrEntitlementExpired):
		return http.StatusForbidden, reasonPayload(entitlementdomain.ReasonEntitlementExpired)
	case errors.Is(err, entitlementdomain.ErrNotStarted):
		return http.StatusForbidden, reasonPayload(entitlementdomain.ReasonEntitlementNotStarted)
	case errors.Is(err, entitlementdomain.ErrEntitlementInactive):
		return http.StatusForbidden, reasonPayload(entitlementdomain.ReasonEntitlementInactive)
	case errors.Is(err, entitlementdomain.ErrEntitlementMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "entitlement_mismatch",
			Message: "entitlement does not belong to this user and service",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, entitlementdomain.ErrPaymentConflict),
		errors.Is(err, entitlementdomain.ErrAlreadyInactive):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: strings.ReplaceAll(err.Error(), "_", " "),
		}
	case errors.Is(err, entitlementdomain.ErrNegativeQuota),
		errors.Is(err, entitlementdomain.ErrQuotaBelowUsage):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    err.Error(),
			Message: strings.ReplaceAll(err.Error(), "_", " "),
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, entitlementdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, counter.ErrUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func reasonPayload(reason entitlementdomain.ReasonCode) errorPayload {
	return errorPayload{Type: string(reason), Message: reason.Message()}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	option.ErrInvalidPageToken,
	ratelimit.ErrInvalidKey,
	ratelimit.ErrInvalidLimit,

	entitlementdomain.ErrInvalidID,
	entitlementdomain.ErrInvalidUserID,
	entitlementdomain.ErrInvalidServiceID,
	entitlementdomain.ErrInvalidPaymentID,
	entitlementdomain.ErrInvalidPricingTier,
	entitlementdomain.ErrInvalidQuotaLimit,
	entitlementdomain.ErrInvalidWindow,
	entitlementdomain.ErrInvalidDelta,
	entitlementdomain.ErrInvalidReason,
	entitlementdomain.ErrNotesTooLong,

	usagedomain.ErrInvalidEntitlementID,
	usagedomain.ErrInvalidUserID,
	usagedomain.ErrInvalidServiceID,
	usagedomain.ErrInvalidEndpoint,
	usagedomain.ErrInvalidRequestsCount,
	usagedomain.ErrMissingFilter,

	meterdomain.ErrInvalidUserID,
	meterdomain.ErrInvalidFeature,
	meterdomain.ErrInvalidUnits,
	meterdomain.ErrInvalidTier,
	meterdomain.ErrInvalidDays,
}

func isValidationError(err error) bool {
	for _, target := range validationSentinels {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func validationErrorField(code string) string {
	switch code {
	case "notes_too_long":
		return "notes"
	case "missing_filter":
		return "entitlement_id"
	case "invalid_page_token":
		return "page_token"
	case "invalid_rate_limit_key":
		return "key"
	case "invalid_rate_limit":
		return "limit"
	case "invalid_id":
		return "id"
	}
	if field := strings.TrimPrefix(code, "invalid_"); field != code {
		return field
	}
	return "request"
}

// classifyErrorForLog feeds the request logger a low-cardinality type/code.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", code
	case payload.Type == "validation_error":
		return "validation_error", code
	default:
		return "client_error", code
	}
}
