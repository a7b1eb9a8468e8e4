package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestMandateErrorMapper_AssignsStableKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     string
		category goerrors.Category
		code     int
	}{
		{
			name:     "not found",
			err:      fmt.Errorf("%w: cart_1", ErrMandateNotFound),
			kind:     ErrorKindMandateNotFound,
			category: goerrors.CategoryNotFound,
			code:     http.StatusNotFound,
		},
		{
			name:     "unknown service",
			err:      fmt.Errorf("%w: %q", ErrServiceNotFound, "astrology"),
			kind:     ErrorKindUnknownService,
			category: goerrors.CategoryBadInput,
			code:     http.StatusBadRequest,
		},
		{
			name:     "invalid payment method",
			err:      fmt.Errorf("%w: missing card", ErrInvalidPaymentMethod),
			kind:     ErrorKindInvalidInput,
			category: goerrors.CategoryBadInput,
			code:     http.StatusBadRequest,
		},
		{
			name:     "state conflict",
			err:      ErrStateConflict,
			kind:     ErrorKindInternal,
			category: goerrors.CategoryInternal,
			code:     http.StatusInternalServerError,
		},
		{
			name:     "plain error",
			err:      errors.New("disk on fire"),
			kind:     ErrorKindInternal,
			category: goerrors.CategoryInternal,
			code:     http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mandateErrorMapper(tt.err)
			if mapped == nil {
				t.Fatalf("expected mapped error")
			}
			if mapped.TextCode != tt.kind {
				t.Fatalf("expected text code %q, got %q", tt.kind, mapped.TextCode)
			}
			if mapped.Category != tt.category {
				t.Fatalf("expected category %q, got %q", tt.category, mapped.Category)
			}
			if mapped.Code != tt.code {
				t.Fatalf("expected code %d, got %d", tt.code, mapped.Code)
			}
			if mapped.Metadata[errorClassKey] == nil {
				t.Fatalf("expected error_class metadata")
			}
		})
	}
}

func TestMandateErrorMapper_PreservesSentinels(t *testing.T) {
	mapped := mandateErrorMapper(fmt.Errorf("%w: cart_1", ErrMandateNotFound))
	if !errors.Is(mapped, ErrMandateNotFound) {
		t.Fatalf("expected mapped error to unwrap to ErrMandateNotFound")
	}
}

func TestNewMandateError_Envelope(t *testing.T) {
	tests := []struct {
		kind     string
		code     int
		class    string
		severity goerrors.Severity
	}{
		{kind: ErrorKindMandateExpired, code: http.StatusGone, class: "lookup"},
		{kind: ErrorKindCartAlreadyConsumed, code: http.StatusConflict, class: "lookup"},
		{kind: ErrorKindSignatureInvalid, code: http.StatusUnauthorized, class: "security"},
		{kind: ErrorKindClockSkew, code: http.StatusBadRequest, class: "input"},
		{kind: ErrorKindTaskExecutionTimeout, code: http.StatusGatewayTimeout, class: "execution"},
		{kind: ErrorKindInternal, code: http.StatusInternalServerError, class: "internal", severity: goerrors.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			err := NewMandateError(tt.kind, "")
			if err.Code != tt.code {
				t.Fatalf("expected code %d, got %d", tt.code, err.Code)
			}
			if err.Metadata[errorClassKey] != tt.class {
				t.Fatalf("expected class %q, got %#v", tt.class, err.Metadata[errorClassKey])
			}
			if err.Message == "" {
				t.Fatalf("expected default message for %s", tt.kind)
			}
			if tt.severity == goerrors.SeverityCritical && err.GetSeverity() != goerrors.SeverityCritical {
				t.Fatalf("expected critical severity for internal errors")
			}
			if ErrorKind(err) != tt.kind {
				t.Fatalf("expected ErrorKind %s, got %s", tt.kind, ErrorKind(err))
			}
		})
	}
}

func TestErrorKind_ForeignErrors(t *testing.T) {
	if got := ErrorKind(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
	if got := ErrorKind(errors.New("boom")); got != ErrorKindInternal {
		t.Fatalf("expected internal kind for plain errors, got %q", got)
	}
	foreign := goerrors.New("custom", goerrors.CategoryBadInput).WithTextCode("SOMETHING_ELSE")
	if got := ErrorKind(foreign); got != ErrorKindInternal {
		t.Fatalf("expected unknown text codes to report internal, got %q", got)
	}
	wrapped := fmt.Errorf("outer: %w", NewMandateError(ErrorKindSignatureInvalid, "bad"))
	if !IsErrorKind(wrapped, ErrorKindSignatureInvalid) {
		t.Fatalf("expected kind to be found through wrapping")
	}
}

func TestServiceMethods_MapErrorsToStableKinds(t *testing.T) {
	h := newTestHarness(t, manualConfig())

	_, err := h.svc.GetMandate(t.Context(), "pay_missing")
	requireKind(t, err, ErrorKindMandateNotFound)

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors type, got %T", err)
	}
	if richErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 code, got %d", richErr.Code)
	}
	if richErr.Metadata["mandate_id"] != "pay_missing" {
		t.Fatalf("expected mandate_id metadata, got %#v", richErr.Metadata)
	}
}

func TestNewFieldError(t *testing.T) {
	err := NewFieldError("command", "cart_id", "cart id is required")
	if err.Category != goerrors.CategoryValidation || err.TextCode != ErrorKindInvalidInput {
		t.Fatalf("unexpected envelope %#v", err)
	}
	if err.Metadata[errorClassKey] != "input" {
		t.Fatalf("expected input error class, got %#v", err.Metadata)
	}
	if fields := err.ValidationMap(); fields["cart_id"] != "cart id is required" {
		t.Fatalf("expected cart_id field error, got %#v", fields)
	}
	if ErrorKind(err) != ErrorKindInvalidInput {
		t.Fatalf("expected kind to read back, got %q", ErrorKind(err))
	}
}
