package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	mandatescommand "github.com/goliatone/go-mandates/command"
	"github.com/goliatone/go-mandates/core"
	mandatesquery "github.com/goliatone/go-mandates/query"
)

// MandateService is everything the mandate method table dispatches to.
type MandateService interface {
	mandatescommand.MutatingService
	mandatesquery.MandateReader
	mandatesquery.TaskStatusReader
	mandatesquery.CatalogReader
}

type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// Registrar puts the mandate method table on a go-command registry and the
// process-wide dispatcher. Registration happens before Initialize, which runs
// the registry resolvers (queue mirroring included) once.
type Registrar struct {
	registry   *command.Registry
	runnerOpts []runner.Option
	subs       Subscriptions
}

type RegistrarOption func(*Registrar)

func WithRegistry(registry *command.Registry) RegistrarOption {
	return func(r *Registrar) {
		if registry != nil {
			r.registry = registry
		}
	}
}

// WithRunnerOptions applies opts (timeouts, retries) to every subscription.
func WithRunnerOptions(opts ...runner.Option) RegistrarOption {
	return func(r *Registrar) {
		r.runnerOpts = append(r.runnerOpts, opts...)
	}
}

func NewRegistrar(opts ...RegistrarOption) *Registrar {
	r := &Registrar{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.registry == nil {
		r.registry = command.NewRegistry()
	}
	return r
}

func (r *Registrar) Registry() *command.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// MirrorToQueue copies every registered mandate handler into queueRegistry
// on Initialize, so go-job workers can run submitTask and reconcile.
func (r *Registrar) MirrorToQueue(key string, queueRegistry *jobqueuecommand.Registry) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registrar is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("gocommand: resolver key is required")
	}
	return r.registry.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

// Register subscribes the six mandate commands and three queries for
// service. On failure every subscription made so far is released.
func (r *Registrar) Register(service MandateService) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registrar is not configured")
	}
	if service == nil {
		return fmt.Errorf("gocommand: mandate service is required")
	}
	steps := []func() error{
		func() error {
			return registerCommand[mandatescommand.CreateIntentMandateMessage](r, mandatescommand.NewCreateIntentMandateCommand(service))
		},
		func() error {
			return registerCommand[mandatescommand.CreateCartMandateMessage](r, mandatescommand.NewCreateCartMandateCommand(service))
		},
		func() error {
			return registerCommand[mandatescommand.ProcessPaymentMessage](r, mandatescommand.NewProcessPaymentCommand(service))
		},
		func() error {
			return registerCommand[mandatescommand.SubmitTaskMessage](r, mandatescommand.NewSubmitTaskCommand(service))
		},
		func() error {
			return registerCommand[mandatescommand.ContinueTaskMessage](r, mandatescommand.NewContinueTaskCommand(service))
		},
		func() error {
			return registerCommand[mandatescommand.ReconcileMessage](r, mandatescommand.NewReconcileCommand(service))
		},
		func() error {
			return registerQuery[mandatesquery.GetMandateMessage, core.MandateRecord](r, mandatesquery.NewGetMandateQuery(service))
		},
		func() error {
			return registerQuery[mandatesquery.GetTaskStatusMessage, core.TaskStatus](r, mandatesquery.NewGetTaskStatusQuery(service))
		},
		func() error {
			return registerQuery[mandatesquery.ListServicesMessage, []core.CatalogEntry](r, mandatesquery.NewListServicesQuery(service))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			r.Close()
			return err
		}
	}
	return nil
}

func (r *Registrar) Initialize() error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registrar is not configured")
	}
	return r.registry.Initialize()
}

func (r *Registrar) Subscriptions() Subscriptions {
	if r == nil {
		return nil
	}
	return append(Subscriptions(nil), r.subs...)
}

// Close releases the dispatcher subscriptions.
func (r *Registrar) Close() {
	if r == nil {
		return
	}
	r.subs.Unsubscribe()
	r.subs = nil
}

func registerCommand[T any](r *Registrar, cmd command.Commander[T]) error {
	subscription := commanddispatcher.SubscribeCommand(cmd, r.runnerOpts...)
	if err := r.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	r.subs = append(r.subs, subscription)
	return nil
}

func registerQuery[T any, R any](r *Registrar, qry command.Querier[T, R]) error {
	subscription := commanddispatcher.SubscribeQuery(qry, r.runnerOpts...)
	if err := r.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	r.subs = append(r.subs, subscription)
	return nil
}

// DispatchWithResult dispatches msg and returns the value its command stored.
// The stored value is returned next to a command error when both exist.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (R, error) {
	collector := command.NewResult[R]()
	err := commanddispatcher.Dispatch(command.ContextWithResult(ctx, collector), msg)
	out, _ := collector.Load()
	return out, err
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}
