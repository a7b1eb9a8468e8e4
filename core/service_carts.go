package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateCartMandate prices one requested service from the catalog and stores
// the merchant-signed cart. Any earlier unconsumed cart of the intent expires
// in the same store step.
func (s *Service) CreateCartMandate(ctx context.Context, req CreateCartRequest) (cart CartMandate, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"mandate_kind": string(MandateKindCart),
		"intent_id":    strings.TrimSpace(req.IntentID),
		"service_id":   strings.TrimSpace(req.ServiceID),
	}
	defer func() {
		if cart.ID != "" {
			fields["cart_id"] = cart.ID
			fields["total"] = cart.Total.String()
		}
		s.observeOperation(ctx, startedAt, "create_cart_mandate", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return CartMandate{}, err
	}
	if err = s.requireCatalog(); err != nil {
		return CartMandate{}, err
	}
	if err = s.requireSigner(); err != nil {
		return CartMandate{}, err
	}

	intentID := strings.TrimSpace(req.IntentID)
	serviceID := strings.TrimSpace(req.ServiceID)
	if intentID == "" {
		err = s.kindError(ErrorKindInvalidInput, "intent id is required", nil)
		return CartMandate{}, err
	}
	if serviceID == "" {
		err = s.kindError(ErrorKindInvalidInput, "service id is required", map[string]any{"intent_id": intentID})
		return CartMandate{}, err
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 || quantity > s.config.Cart.MaxQuantity {
		err = s.kindError(
			ErrorKindInvalidInput,
			fmt.Sprintf("quantity must be between 1 and %d", s.config.Cart.MaxQuantity),
			map[string]any{"quantity": req.Quantity},
		)
		return CartMandate{}, err
	}

	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		err = s.mapError(err)
		return CartMandate{}, err
	}
	now := s.now()
	if intent.ExpiredAt(now) {
		err = s.kindError(
			ErrorKindMandateExpired,
			fmt.Sprintf("intent mandate %s expired at %s", intent.ID, intent.ExpiresAt.Format(time.RFC3339)),
			map[string]any{"intent_id": intent.ID, "state": string(intent.State)},
		)
		return CartMandate{}, err
	}
	if !intent.Requests(serviceID) {
		err = s.kindError(
			ErrorKindUnknownService,
			fmt.Sprintf("service %q was not requested by intent %s", serviceID, intent.ID),
			map[string]any{"intent_id": intent.ID, "service_id": serviceID},
		)
		return CartMandate{}, err
	}

	merchantID := s.config.Merchant.ID
	if len(intent.MerchantIDs) > 0 && !containsString(intent.MerchantIDs, merchantID) {
		err = s.kindError(
			ErrorKindInvalidInput,
			fmt.Sprintf("intent %s is not addressed to merchant %s", intent.ID, merchantID),
			map[string]any{"intent_id": intent.ID, "merchant_id": merchantID},
		)
		return CartMandate{}, err
	}
	if intent.RequiresRefundability && s.config.Cart.RefundPeriodDays == 0 {
		err = s.kindError(
			ErrorKindInvalidInput,
			"intent requires refundability but merchant carts are not refundable",
			map[string]any{"intent_id": intent.ID},
		)
		return CartMandate{}, err
	}

	entry, err := s.catalog.Lookup(ctx, serviceID)
	if err != nil {
		err = s.mapError(err)
		return CartMandate{}, err
	}

	taskDescription := strings.TrimSpace(req.TaskDescription)
	if taskDescription == "" {
		taskDescription = intent.Description
	}
	items := []LineItem{{
		ServiceID: entry.ServiceID,
		Label:     CartLabel(entry.ServiceID, taskDescription),
		UnitPrice: entry.UnitPrice,
		Currency:  normalizeCurrency(entry.Currency),
		Quantity:  quantity,
	}}
	total, err := SumLineItems(items)
	if err != nil {
		err = s.mapError(err)
		return CartMandate{}, err
	}

	draft := CartMandate{
		ID:               NewMandateID(MandateKindCart),
		IntentID:         intent.ID,
		LineItems:        items,
		Total:            total,
		MerchantID:       merchantID,
		TaskDescription:  taskDescription,
		RefundPeriodDays: s.config.Cart.RefundPeriodDays,
		State:            CartStateSigned,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(s.config.Cart.TTL),
	}
	payload, err := CanonicalCartPayload(draft)
	if err != nil {
		err = s.wrapKindError(err, ErrorKindInternal, map[string]any{"cart_id": draft.ID})
		return CartMandate{}, err
	}
	signature, err := s.signer.Sign(ctx, MerchantPrincipal(merchantID), payload)
	if err != nil {
		err = s.wrapKindError(err, ErrorKindInternal, map[string]any{"cart_id": draft.ID, "merchant_id": merchantID})
		return CartMandate{}, err
	}
	draft.MerchantSignature = signature

	cart, err = s.store.CreateCart(ctx, draft)
	if err != nil {
		err = s.mapError(err)
		return CartMandate{}, err
	}
	s.emit(ctx, cartEvent(EventCartSigned, cart, cart.CreatedAt))
	return cart, nil
}

// VerifyCart recomputes the cart total from its line items and checks the
// merchant signature over the canonical payload.
func (s *Service) VerifyCart(ctx context.Context, cart CartMandate) error {
	if err := s.requireSigner(); err != nil {
		return err
	}
	metadata := map[string]any{"cart_id": cart.ID, "merchant_id": cart.MerchantID}
	recomputed, err := SumLineItems(cart.LineItems)
	if err != nil || !recomputed.Equal(cart.Total) {
		return s.kindError(ErrorKindSignatureInvalid, fmt.Sprintf("cart %s total does not match its line items", cart.ID), metadata)
	}
	payload, err := CanonicalCartPayload(cart)
	if err != nil {
		return s.wrapKindError(err, ErrorKindInternal, metadata)
	}
	valid, err := s.signer.Verify(ctx, MerchantPrincipal(cart.MerchantID), payload, cart.MerchantSignature)
	if err != nil {
		return s.wrapKindError(err, ErrorKindSignatureInvalid, metadata)
	}
	if !valid {
		return s.kindError(ErrorKindSignatureInvalid, fmt.Sprintf("merchant signature on cart %s does not verify", cart.ID), metadata)
	}
	return nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
