package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[CreateIntentMandateMessage] = (*CreateIntentMandateCommand)(nil)
	_ gocmd.Commander[CreateCartMandateMessage]   = (*CreateCartMandateCommand)(nil)
	_ gocmd.Commander[ProcessPaymentMessage]      = (*ProcessPaymentCommand)(nil)
	_ gocmd.Commander[SubmitTaskMessage]          = (*SubmitTaskCommand)(nil)
	_ gocmd.Commander[ContinueTaskMessage]        = (*ContinueTaskCommand)(nil)
	_ gocmd.Commander[ReconcileMessage]           = (*ReconcileCommand)(nil)
)
