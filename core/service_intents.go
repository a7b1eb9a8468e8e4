package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateIntentMandate records a purchase intent for catalog services. All
// validation runs before the store is touched.
func (s *Service) CreateIntentMandate(ctx context.Context, req CreateIntentRequest) (intent IntentMandate, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"mandate_kind":  string(MandateKindIntent),
		"service_count": len(req.ServiceIDs),
	}
	defer func() {
		if intent.ID != "" {
			fields["intent_id"] = intent.ID
		}
		s.observeOperation(ctx, startedAt, "create_intent_mandate", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return IntentMandate{}, err
	}
	if err = s.requireCatalog(); err != nil {
		return IntentMandate{}, err
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		err = s.kindError(ErrorKindInvalidInput, "intent description is required", nil)
		return IntentMandate{}, err
	}
	serviceIDs := normalizeIDs(req.ServiceIDs)
	if len(serviceIDs) == 0 {
		err = s.kindError(ErrorKindInvalidInput, "at least one service id is required", nil)
		return IntentMandate{}, err
	}

	missing := make([]string, 0)
	for _, serviceID := range serviceIDs {
		if _, lookupErr := s.catalog.Lookup(ctx, serviceID); lookupErr != nil {
			if IsErrorKind(s.mapError(lookupErr), ErrorKindUnknownService) {
				missing = append(missing, serviceID)
				continue
			}
			err = s.mapError(lookupErr)
			return IntentMandate{}, err
		}
	}
	if len(missing) > 0 {
		err = s.kindError(
			ErrorKindUnknownService,
			fmt.Sprintf("unknown service ids: %s", strings.Join(missing, ", ")),
			map[string]any{"service_ids": missing},
		)
		return IntentMandate{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.config.Intent.TTL)
	if req.ExpiresAt != nil {
		requested := timestamp(*req.ExpiresAt)
		if !requested.After(now) {
			err = s.kindError(
				ErrorKindClockSkew,
				fmt.Sprintf("requested expiry %s is not after %s", requested.Format(time.RFC3339), now.Format(time.RFC3339)),
				map[string]any{"expires_at": requested, "now": now},
			)
			return IntentMandate{}, err
		}
		expiresAt = requested
	}

	merchantIDs := normalizeIDs(req.MerchantIDs)
	if len(merchantIDs) == 0 {
		merchantIDs = []string{s.config.Merchant.ID}
	}

	intent, err = s.store.CreateIntent(ctx, IntentMandate{
		ID:                       NewMandateID(MandateKindIntent),
		Description:              description,
		RequestedServiceIDs:      serviceIDs,
		RequiresCartConfirmation: req.RequiresCartConfirmation,
		RequiresRefundability:    req.RequiresRefundability,
		MerchantIDs:              merchantIDs,
		State:                    IntentStateActive,
		CreatedAt:                now,
		UpdatedAt:                now,
		ExpiresAt:                expiresAt,
	})
	if err != nil {
		err = s.mapError(err)
		return IntentMandate{}, err
	}
	s.emit(ctx, intentEvent(EventIntentCreated, intent, now))
	return intent, nil
}
