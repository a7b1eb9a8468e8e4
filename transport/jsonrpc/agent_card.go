package jsonrpc

import (
	"strings"

	"github.com/goliatone/go-mandates/core"
)

type AgentCard struct {
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	Provider       string       `json:"provider,omitempty"`
	URL            string       `json:"url"`
	Version        string       `json:"version"`
	Capabilities   []string     `json:"capabilities"`
	Authentication CardAuth     `json:"authentication"`
	AP2            AP2Extension `json:"ap2"`
	Skills         []AgentSkill `json:"skills"`
}

type CardAuth struct {
	Schemes []string `json:"schemes"`
}

type AP2Extension struct {
	Supported      bool     `json:"supported"`
	Version        string   `json:"version"`
	PaymentMethods []string `json:"payment_methods"`
	MandateTypes   []string `json:"mandate_types"`
}

type AgentSkill struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Tags        []string     `json:"tags,omitempty"`
	InputModes  []string     `json:"inputModes"`
	OutputModes []string     `json:"outputModes"`
	Pricing     SkillPricing `json:"pricing"`
}

type SkillPricing struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Model    string `json:"model"`
}

func buildAgentCard(info AgentInfo, entries []core.CatalogEntry) AgentCard {
	card := AgentCard{
		Name:           info.Name,
		Description:    info.Description,
		Provider:       info.Provider,
		URL:            strings.TrimRight(info.BaseURL, "/") + "/rpc",
		Version:        info.Version,
		Capabilities:   []string{"ap2-payments"},
		Authentication: CardAuth{Schemes: []string{"ed25519-signature"}},
		AP2: AP2Extension{
			Supported: true,
			Version:   "0.1",
			PaymentMethods: []string{
				string(core.PaymentMethodCard),
				string(core.PaymentMethodBank),
				string(core.PaymentMethodCrypto),
			},
			MandateTypes: []string{
				string(core.MandateKindIntent),
				string(core.MandateKindCart),
				string(core.MandateKindPayment),
			},
		},
		Skills: make([]AgentSkill, 0, len(entries)),
	}
	for _, entry := range entries {
		currency := entry.Currency
		if currency == "" {
			currency = info.Currency
		}
		card.Skills = append(card.Skills, AgentSkill{
			ID:          entry.ServiceID,
			Name:        entry.Name,
			Description: entry.Description,
			Tags:        append([]string(nil), entry.Tags...),
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
			Pricing: SkillPricing{
				Amount:   entry.UnitPrice.StringFixed(2),
				Currency: strings.ToUpper(currency),
				Model:    "per_transaction",
			},
		})
	}
	return card
}
