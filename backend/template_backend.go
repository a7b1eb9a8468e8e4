package backend

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/goliatone/go-mandates/core"
)

const defaultReportTemplate = `{{.Title}}
Service: {{.ServiceID}}
Payment mandate: {{.PaymentMandateID}}
Cart mandate: {{.CartID}}
Quantity: {{.Quantity}}
Total: {{.Total}}

{{.Prompt}}
`

// BuildPrompt joins a catalog system prompt with the client request.
func BuildPrompt(systemPrompt string, request string) string {
	systemPrompt = strings.TrimSpace(systemPrompt)
	request = strings.TrimSpace(request)
	if systemPrompt == "" {
		return fmt.Sprintf("Client Request: %s\n\nProvide professional consulting response:", request)
	}
	return fmt.Sprintf("%s\n\nClient Request: %s\n\nProvide professional consulting response:", systemPrompt, request)
}

// ResultRef names the artifact produced for serviceID.
func ResultRef(serviceID string) string {
	return strings.TrimSpace(serviceID) + "_report"
}

type reportData struct {
	Title            string
	ServiceID        string
	PaymentMandateID string
	CartID           string
	Quantity         int
	Total            string
	Prompt           string
}

// TemplateBackend renders a report for the purchased service without calling
// out. Identical specs produce identical output.
type TemplateBackend struct {
	catalog  core.Catalog
	template *template.Template
}

type TemplateOption func(*TemplateBackend) error

// WithCatalog resolves prompts and titles for specs that arrive without one.
func WithCatalog(catalog core.Catalog) TemplateOption {
	return func(b *TemplateBackend) error {
		b.catalog = catalog
		return nil
	}
}

// WithReportTemplate replaces the report layout. The template receives the
// fields Title, ServiceID, PaymentMandateID, CartID, Quantity, Total and Prompt.
func WithReportTemplate(text string) TemplateOption {
	return func(b *TemplateBackend) error {
		tmpl, err := template.New("report").Option("missingkey=error").Parse(text)
		if err != nil {
			return fmt.Errorf("backend: parse report template: %w", err)
		}
		b.template = tmpl
		return nil
	}
}

func NewTemplateBackend(opts ...TemplateOption) (*TemplateBackend, error) {
	backend := &TemplateBackend{
		template: template.Must(template.New("report").Parse(defaultReportTemplate)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(backend); err != nil {
			return nil, err
		}
	}
	return backend, nil
}

func (b *TemplateBackend) Execute(ctx context.Context, spec core.TaskSpec) (core.TaskResult, error) {
	if b == nil || b.template == nil {
		return core.TaskResult{}, fmt.Errorf("backend: template backend is not configured")
	}
	if err := ctx.Err(); err != nil {
		return core.TaskResult{}, err
	}
	serviceID := strings.TrimSpace(spec.ServiceID)
	if serviceID == "" {
		return core.TaskResult{}, fmt.Errorf("backend: task spec has no service id")
	}

	title := serviceID
	systemPrompt := spec.Prompt
	if b.catalog != nil {
		entry, err := b.catalog.Lookup(ctx, serviceID)
		if err != nil {
			return core.TaskResult{}, fmt.Errorf("backend: resolve service %q: %w", serviceID, err)
		}
		if entry.Name != "" {
			title = entry.Name
		}
		if strings.TrimSpace(systemPrompt) == "" {
			systemPrompt = entry.Prompt
		}
	}

	var out bytes.Buffer
	err := b.template.Execute(&out, reportData{
		Title:            title,
		ServiceID:        serviceID,
		PaymentMandateID: spec.PaymentMandateID,
		CartID:           spec.CartID,
		Quantity:         spec.Quantity,
		Total:            formatMoney(spec.Total),
		Prompt:           BuildPrompt(systemPrompt, spec.TaskDescription),
	})
	if err != nil {
		return core.TaskResult{}, fmt.Errorf("backend: render report: %w", err)
	}
	return core.TaskResult{
		PaymentMandateID: spec.PaymentMandateID,
		ServiceID:        serviceID,
		State:            core.TaskStateCompleted,
		Output:           out.String(),
		ResultRef:        ResultRef(serviceID),
	}, nil
}

// Continue answers a follow-up message with a rendered continuation prompt.
func (b *TemplateBackend) Continue(ctx context.Context, conv core.TaskConversation) (string, error) {
	if b == nil {
		return "", fmt.Errorf("backend: template backend is not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title := strings.TrimSpace(conv.Spec.ServiceID)
	if b.catalog != nil && title != "" {
		if entry, err := b.catalog.Lookup(ctx, title); err == nil && entry.Name != "" {
			title = entry.Name
		}
	}
	return fmt.Sprintf("%s follow-up\nPayment mandate: %s\n\nContinue the consulting conversation: %s\n",
		title, conv.Spec.PaymentMandateID, strings.TrimSpace(conv.Message)), nil
}

func formatMoney(m core.Money) string {
	if m.Currency == "" {
		return m.Amount.StringFixed(2)
	}
	return m.Amount.StringFixed(2) + " " + m.Currency
}

var (
	_ core.TaskBackend         = (*TemplateBackend)(nil)
	_ core.ConversationBackend = (*TemplateBackend)(nil)
)
