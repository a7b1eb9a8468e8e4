package query

import "strings"

const (
	TypeGetMandate    = "mandates.query.mandate.get"
	TypeGetTaskStatus = "mandates.query.task_status.get"
	TypeListServices  = "mandates.query.services.list"
)

type GetMandateMessage struct {
	MandateID string
}

func (GetMandateMessage) Type() string { return TypeGetMandate }

func (m GetMandateMessage) Validate() error {
	if strings.TrimSpace(m.MandateID) == "" {
		return queryValidationError("mandate_id", "mandate id is required")
	}
	return nil
}

type GetTaskStatusMessage struct {
	PaymentMandateID string
}

func (GetTaskStatusMessage) Type() string { return TypeGetTaskStatus }

func (m GetTaskStatusMessage) Validate() error {
	if strings.TrimSpace(m.PaymentMandateID) == "" {
		return queryValidationError("payment_mandate_id", "payment mandate id is required")
	}
	return nil
}

type ListServicesMessage struct{}

func (ListServicesMessage) Type() string { return TypeListServices }

func (ListServicesMessage) Validate() error { return nil }
