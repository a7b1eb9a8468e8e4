package command

import "github.com/goliatone/go-mandates/core"

func commandDependencyError(message string) error {
	return core.NewMandateError(core.ErrorKindInternal, message)
}

func commandValidationError(field string, message string) error {
	return core.NewFieldError("command", field, message)
}
