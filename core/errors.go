package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Error kinds carried as TextCode on every error returned by the service.
const (
	ErrorKindInvalidInput         = "INVALID_INPUT"
	ErrorKindMandateNotFound      = "MANDATE_NOT_FOUND"
	ErrorKindMandateExpired       = "MANDATE_EXPIRED"
	ErrorKindCartAlreadyConsumed  = "CART_ALREADY_CONSUMED"
	ErrorKindSignatureInvalid     = "SIGNATURE_INVALID"
	ErrorKindUnknownService       = "UNKNOWN_SERVICE"
	ErrorKindClockSkew            = "CLOCK_SKEW"
	ErrorKindTaskExecutionFailed  = "TASK_EXECUTION_FAILED"
	ErrorKindTaskExecutionTimeout = "TASK_EXECUTION_TIMEOUT"
	ErrorKindInternal             = "INTERNAL_ERROR"
)

const errorClassKey = "error_class"

// NewMandateError builds an error envelope for kind. Category, status code and
// severity follow the kind.
func NewMandateError(kind string, message string) *goerrors.Error {
	category, code := kindEnvelope(kind)
	if strings.TrimSpace(message) == "" {
		message = strings.ToLower(strings.ReplaceAll(kind, "_", " "))
	}
	err := goerrors.New(message, category).
		WithTextCode(kind).
		WithCode(code).
		WithMetadata(map[string]any{errorClassKey: kindClass(kind)})
	if category == goerrors.CategoryInternal {
		err = err.WithSeverity(goerrors.SeverityCritical)
	}
	return err
}

// NewFieldError builds an INVALID_INPUT validation envelope for one field.
// scope prefixes the message, e.g. "command" or "query".
func NewFieldError(scope string, field string, message string) *goerrors.Error {
	return goerrors.NewValidation(scope+": validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorKindInvalidInput).
		WithSeverity(goerrors.SeverityError).
		WithMetadata(map[string]any{errorClassKey: kindClass(ErrorKindInvalidInput)})
}

// ErrorKind returns the kind carried by err, or INTERNAL_ERROR when err is
// not a mandate error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		if kind := strings.TrimSpace(richErr.TextCode); isKnownKind(kind) {
			return kind
		}
	}
	return ErrorKindInternal
}

func IsErrorKind(err error, kind string) bool {
	return err != nil && ErrorKind(err) == kind
}

func mandateErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrMandateNotFound):
		return wrapKind(err, ErrorKindMandateNotFound)
	case errors.Is(err, ErrServiceNotFound):
		return wrapKind(err, ErrorKindUnknownService)
	case errors.Is(err, ErrInvalidPaymentMethod),
		errors.Is(err, ErrInvalidLineItems),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrEmptyDescription),
		errors.Is(err, ErrMissingServiceIDs):
		return wrapKind(err, ErrorKindInvalidInput)
	case errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrInvalidIntentStateTransition),
		errors.Is(err, ErrInvalidCartStateTransition),
		errors.Is(err, ErrInvalidPaymentStateTransition),
		errors.Is(err, ErrDuplicateMandate),
		errors.Is(err, ErrStoreNotWired),
		errors.Is(err, ErrCatalogNotWired),
		errors.Is(err, ErrSignerNotWired),
		errors.Is(err, ErrBackendNotWired),
		errors.Is(err, ErrDispatchNotWired):
		return wrapKind(err, ErrorKindInternal)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func wrapKind(err error, kind string) *goerrors.Error {
	category, code := kindEnvelope(kind)
	wrapped := goerrors.Wrap(err, category, err.Error()).
		WithTextCode(kind).
		WithCode(code).
		WithMetadata(map[string]any{errorClassKey: kindClass(kind)})
	if category == goerrors.CategoryInternal {
		wrapped = wrapped.WithSeverity(goerrors.SeverityCritical)
	}
	return wrapped
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if !isKnownKind(strings.TrimSpace(err.TextCode)) {
		err.TextCode = defaultKind(err.Category)
	}
	if err.Code == 0 {
		_, err.Code = kindEnvelope(err.TextCode)
	}
	if err.Metadata == nil {
		err.Metadata = map[string]any{}
	}
	if _, ok := err.Metadata[errorClassKey]; !ok {
		err.Metadata[errorClassKey] = kindClass(err.TextCode)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func kindEnvelope(kind string) (goerrors.Category, int) {
	switch kind {
	case ErrorKindInvalidInput, ErrorKindUnknownService, ErrorKindClockSkew:
		return goerrors.CategoryBadInput, http.StatusBadRequest
	case ErrorKindMandateNotFound:
		return goerrors.CategoryNotFound, http.StatusNotFound
	case ErrorKindMandateExpired:
		return goerrors.CategoryConflict, http.StatusGone
	case ErrorKindCartAlreadyConsumed:
		return goerrors.CategoryConflict, http.StatusConflict
	case ErrorKindSignatureInvalid:
		return goerrors.CategoryAuth, http.StatusUnauthorized
	case ErrorKindTaskExecutionFailed:
		return goerrors.CategoryExternal, http.StatusBadGateway
	case ErrorKindTaskExecutionTimeout:
		return goerrors.CategoryExternal, http.StatusGatewayTimeout
	default:
		return goerrors.CategoryInternal, http.StatusInternalServerError
	}
}

func kindClass(kind string) string {
	switch kind {
	case ErrorKindInvalidInput, ErrorKindUnknownService, ErrorKindClockSkew:
		return "input"
	case ErrorKindMandateNotFound, ErrorKindMandateExpired, ErrorKindCartAlreadyConsumed:
		return "lookup"
	case ErrorKindSignatureInvalid:
		return "security"
	case ErrorKindTaskExecutionFailed, ErrorKindTaskExecutionTimeout:
		return "execution"
	default:
		return "internal"
	}
}

func defaultKind(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorKindInvalidInput
	case goerrors.CategoryNotFound:
		return ErrorKindMandateNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorKindSignatureInvalid
	case goerrors.CategoryExternal:
		return ErrorKindTaskExecutionFailed
	default:
		return ErrorKindInternal
	}
}

func isKnownKind(kind string) bool {
	switch kind {
	case ErrorKindInvalidInput,
		ErrorKindMandateNotFound,
		ErrorKindMandateExpired,
		ErrorKindCartAlreadyConsumed,
		ErrorKindSignatureInvalid,
		ErrorKindUnknownService,
		ErrorKindClockSkew,
		ErrorKindTaskExecutionFailed,
		ErrorKindTaskExecutionTimeout,
		ErrorKindInternal:
		return true
	default:
		return false
	}
}
