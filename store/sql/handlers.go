package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// Mandate and catalog ids are prefixed strings, not UUIDs, so GetID reports
// uuid.Nil and lookups go through the "id" identifier.

func intentHandlers() repository.ModelHandlers[*intentRecord] {
	return repository.ModelHandlers[*intentRecord]{
		NewRecord: func() *intentRecord {
			return &intentRecord{}
		},
		GetID: func(record *intentRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *intentRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *intentRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func cartHandlers() repository.ModelHandlers[*cartRecord] {
	return repository.ModelHandlers[*cartRecord]{
		NewRecord: func() *cartRecord {
			return &cartRecord{}
		},
		GetID: func(record *cartRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *cartRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *cartRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func paymentHandlers() repository.ModelHandlers[*paymentRecord] {
	return repository.ModelHandlers[*paymentRecord]{
		NewRecord: func() *paymentRecord {
			return &paymentRecord{}
		},
		GetID: func(record *paymentRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *paymentRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *paymentRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func catalogHandlers() repository.ModelHandlers[*catalogRecord] {
	return repository.ModelHandlers[*catalogRecord]{
		NewRecord: func() *catalogRecord {
			return &catalogRecord{}
		},
		GetID: func(record *catalogRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *catalogRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *catalogRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
