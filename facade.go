package mandates

import (
	"fmt"

	mandatescommand "github.com/goliatone/go-mandates/command"
	mandatesquery "github.com/goliatone/go-mandates/query"
)

// CommandQueryService is the full mandate method table.
type CommandQueryService interface {
	mandatescommand.MutatingService
	mandatesquery.MandateReader
	mandatesquery.TaskStatusReader
	mandatesquery.CatalogReader
}

type Commands struct {
	CreateIntentMandate *mandatescommand.CreateIntentMandateCommand
	CreateCartMandate   *mandatescommand.CreateCartMandateCommand
	ProcessPayment      *mandatescommand.ProcessPaymentCommand
	SubmitTask          *mandatescommand.SubmitTaskCommand
	ContinueTask        *mandatescommand.ContinueTaskCommand
	Reconcile           *mandatescommand.ReconcileCommand
}

type Queries struct {
	GetMandate    *mandatesquery.GetMandateQuery
	GetTaskStatus *mandatesquery.GetTaskStatusQuery
	ListServices  *mandatesquery.ListServicesQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	catalogReader mandatesquery.CatalogReader
}

// WithCatalogReader serves ListServices from reader instead of the service.
func WithCatalogReader(reader mandatesquery.CatalogReader) FacadeOption {
	return func(options *facadeOptions) {
		options.catalogReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("mandates: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	catalog := cfg.catalogReader
	if catalog == nil {
		catalog = service
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		CreateIntentMandate: mandatescommand.NewCreateIntentMandateCommand(service),
		CreateCartMandate:   mandatescommand.NewCreateCartMandateCommand(service),
		ProcessPayment:      mandatescommand.NewProcessPaymentCommand(service),
		SubmitTask:          mandatescommand.NewSubmitTaskCommand(service),
		ContinueTask:        mandatescommand.NewContinueTaskCommand(service),
		Reconcile:           mandatescommand.NewReconcileCommand(service),
	}
	facade.queries = Queries{
		GetMandate:    mandatesquery.NewGetMandateQuery(service),
		GetTaskStatus: mandatesquery.NewGetTaskStatusQuery(service),
		ListServices:  mandatesquery.NewListServicesQuery(catalog),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
