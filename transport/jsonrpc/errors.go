package jsonrpc

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-mandates/core"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeDomainError    = -32000
)

type rpcError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *rpcFault `json:"data,omitempty"`
}

type rpcFault struct {
	Kind     string            `json:"kind"`
	Category string            `json:"category"`
	Detail   string            `json:"detail"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func parseError(detail string) *rpcError {
	return &rpcError{Code: CodeParseError, Message: "Parse error", Data: &rpcFault{
		Kind:     core.ErrorKindInvalidInput,
		Category: string(goerrors.CategoryBadInput),
		Detail:   detail,
	}}
}

func invalidRequest(detail string) *rpcError {
	return &rpcError{Code: CodeInvalidRequest, Message: "Invalid Request", Data: &rpcFault{
		Kind:     core.ErrorKindInvalidInput,
		Category: string(goerrors.CategoryBadInput),
		Detail:   detail,
	}}
}

func methodNotFound(method string) *rpcError {
	return &rpcError{Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

// invalidParams covers undecodable params and message validation failures.
func invalidParams(err error) *rpcError {
	fault := &rpcFault{
		Kind:     core.ErrorKindInvalidInput,
		Category: string(goerrors.CategoryValidation),
		Detail:   err.Error(),
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich != nil {
		fault.Detail = rich.Message
		if fields := rich.ValidationMap(); len(fields) > 0 {
			fault.Fields = fields
		}
	}
	return &rpcError{Code: CodeInvalidParams, Message: "Invalid params", Data: fault}
}

// serviceError maps a method error. Errors carrying a mandate kind become
// -32000 with the kind in data; everything else is an internal error.
func serviceError(err error) *rpcError {
	kind := core.ErrorKind(err)
	var rich *goerrors.Error
	if kind == core.ErrorKindInternal || !goerrors.As(err, &rich) || rich == nil {
		return &rpcError{Code: CodeInternalError, Message: "Internal error"}
	}
	return &rpcError{Code: CodeDomainError, Message: rich.Message, Data: &rpcFault{
		Kind:     kind,
		Category: string(rich.Category),
		Detail:   rich.Message,
	}}
}

// httpError renders the go-errors envelope for the plain HTTP routes.
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	rich := goerrors.MapToError(err, nil).Clone()
	if rich.Code == 0 {
		rich.Code = http.StatusInternalServerError
	}
	if rich.Category == goerrors.CategoryInternal {
		rich.Message = "An unexpected error occurred"
	}
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		rich.WithRequestID(requestID)
	}
	writeJSON(w, rich.Code, rich.ToErrorResponse(false, nil))
}

func transportError(message string, category goerrors.Category, code int, textCode string) *goerrors.Error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(strings.TrimSpace(textCode))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
