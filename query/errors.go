package query

import "github.com/goliatone/go-mandates/core"

func queryDependencyError(message string) error {
	return core.NewMandateError(core.ErrorKindInternal, message)
}

func queryValidationError(field string, message string) error {
	return core.NewFieldError("query", field, message)
}
