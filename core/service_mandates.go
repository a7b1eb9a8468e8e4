package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetMandate returns any stored mandate by id. The id prefix selects the
// record type; ids without a known prefix are probed against every type.
func (s *Service) GetMandate(ctx context.Context, mandateID string) (record MandateRecord, err error) {
	startedAt := time.Now().UTC()
	mandateID = strings.TrimSpace(mandateID)
	fields := map[string]any{"mandate_id": mandateID}
	defer func() {
		if record.Kind != "" {
			fields["mandate_kind"] = string(record.Kind)
			fields["state"] = record.State()
		}
		s.observeOperation(ctx, startedAt, "get_mandate", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return MandateRecord{}, err
	}
	if mandateID == "" {
		err = s.kindError(ErrorKindInvalidInput, "mandate id is required", nil)
		return MandateRecord{}, err
	}

	kinds := []MandateKind{MandateKindIntent, MandateKindCart, MandateKindPayment}
	if kind, ok := MandateKindOf(mandateID); ok {
		kinds = []MandateKind{kind}
	}
	for _, kind := range kinds {
		record, err = s.loadMandate(ctx, kind, mandateID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, ErrMandateNotFound) {
			err = s.mapError(err)
			return MandateRecord{}, err
		}
	}
	err = s.kindError(
		ErrorKindMandateNotFound,
		fmt.Sprintf("mandate %q not found", mandateID),
		map[string]any{"mandate_id": mandateID},
	)
	return MandateRecord{}, err
}

func (s *Service) loadMandate(ctx context.Context, kind MandateKind, id string) (MandateRecord, error) {
	switch kind {
	case MandateKindIntent:
		intent, err := s.store.GetIntent(ctx, id)
		if err != nil {
			return MandateRecord{}, err
		}
		return MandateRecord{Kind: kind, Intent: &intent}, nil
	case MandateKindCart:
		cart, err := s.store.GetCart(ctx, id)
		if err != nil {
			return MandateRecord{}, err
		}
		return MandateRecord{Kind: kind, Cart: &cart}, nil
	case MandateKindPayment:
		payment, err := s.store.GetPayment(ctx, id)
		if err != nil {
			return MandateRecord{}, err
		}
		return MandateRecord{Kind: kind, Payment: &payment}, nil
	default:
		return MandateRecord{}, fmt.Errorf("%w: unknown kind %q", ErrMandateNotFound, kind)
	}
}

func (s *Service) ListServices(ctx context.Context) (entries []CatalogEntry, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["service_count"] = len(entries)
		s.observeOperation(ctx, startedAt, "list_services", err, fields)
	}()

	if err = s.requireCatalog(); err != nil {
		return nil, err
	}
	entries, err = s.catalog.List(ctx)
	if err != nil {
		err = s.mapError(err)
		return nil, err
	}
	return entries, nil
}
