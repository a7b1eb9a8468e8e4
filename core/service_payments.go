package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessPayment binds a user-authorized payment to exactly one signed cart.
// Concurrent attempts against one cart race on a single store step; losers
// fail with CART_ALREADY_CONSUMED. The returned mandate is the authorized
// snapshot taken before task dispatch.
func (s *Service) ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (payment PaymentMandate, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"mandate_kind":   string(MandateKindPayment),
		"cart_id":        strings.TrimSpace(req.CartID),
		"payer_id":       strings.TrimSpace(req.Authorization.PayerID),
		"payment_method": string(req.PaymentMethod.Kind),
	}
	defer func() {
		if payment.ID != "" {
			fields["payment_mandate_id"] = payment.ID
			fields["total"] = payment.Total.String()
			fields["dispatch"] = string(s.config.Task.Dispatch)
		}
		s.observeOperation(ctx, startedAt, "process_payment", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return PaymentMandate{}, err
	}
	if err = s.requireSigner(); err != nil {
		return PaymentMandate{}, err
	}

	cartID := strings.TrimSpace(req.CartID)
	if cartID == "" {
		err = s.kindError(ErrorKindInvalidInput, "cart id is required", nil)
		return PaymentMandate{}, err
	}
	if validateErr := req.PaymentMethod.Validate(); validateErr != nil {
		err = s.wrapKindError(validateErr, ErrorKindInvalidInput, map[string]any{"cart_id": cartID})
		return PaymentMandate{}, err
	}
	payerID := strings.TrimSpace(req.Authorization.PayerID)
	if payerID == "" {
		err = s.kindError(ErrorKindInvalidInput, "payer id is required", map[string]any{"cart_id": cartID})
		return PaymentMandate{}, err
	}

	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		err = s.mapError(err)
		return PaymentMandate{}, err
	}
	now := s.now()
	if err = s.checkCartPayable(cart, now); err != nil {
		return PaymentMandate{}, err
	}
	if err = s.VerifyCart(ctx, cart); err != nil {
		s.auditRejection(ctx, "stored cart failed verification", cart.ID, payerID, req.PaymentMethod, err)
		return PaymentMandate{}, err
	}
	if req.ExpectedTotal != nil && !req.ExpectedTotal.Equal(cart.Total) {
		err = s.kindError(
			ErrorKindInvalidInput,
			fmt.Sprintf("expected total %s does not match cart total %s", req.ExpectedTotal.String(), cart.Total.String()),
			map[string]any{"cart_id": cart.ID},
		)
		return PaymentMandate{}, err
	}

	if err = s.verifyUserAuthorization(ctx, cart, payerID, req.PaymentMethod, req.Authorization.Signature); err != nil {
		s.auditRejection(ctx, "user authorization rejected", cart.ID, payerID, req.PaymentMethod, err)
		return PaymentMandate{}, err
	}

	payment, err = s.store.BindPayment(ctx, PaymentMandate{
		ID:                         NewMandateID(MandateKindPayment),
		CartID:                     cart.ID,
		PayerID:                    payerID,
		PaymentMethod:              clonePaymentMethod(req.PaymentMethod),
		UserAuthorizationSignature: append([]byte(nil), req.Authorization.Signature...),
		Total:                      cart.Total,
		Timestamp:                  now,
		State:                      PaymentStateAuthorized,
		UpdatedAt:                  now,
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			err = s.wrapKindError(err, ErrorKindCartAlreadyConsumed, map[string]any{"cart_id": cart.ID})
			return PaymentMandate{}, err
		}
		err = s.mapError(err)
		return PaymentMandate{}, err
	}
	s.emit(ctx, paymentEvent(EventPaymentAuthorized, payment, now))

	if s.dispatcher != nil {
		if dispatchErr := s.dispatcher.Dispatch(ctx, payment.ID); dispatchErr != nil {
			s.logWarn(ctx, "task dispatch returned error", map[string]any{
				"payment_mandate_id": payment.ID,
				"cart_id":            cart.ID,
				"error":              dispatchErr.Error(),
				"error_kind":         ErrorKind(dispatchErr),
			})
		}
	}
	return payment, nil
}

func (s *Service) checkCartPayable(cart CartMandate, now time.Time) error {
	metadata := map[string]any{"cart_id": cart.ID, "state": string(cart.State)}
	switch {
	case cart.State == CartStateConsumed:
		return s.kindError(ErrorKindCartAlreadyConsumed, fmt.Sprintf("cart mandate %s is already consumed", cart.ID), metadata)
	case cart.ExpiredAt(now):
		return s.kindError(
			ErrorKindMandateExpired,
			fmt.Sprintf("cart mandate %s expired at %s", cart.ID, cart.ExpiresAt.Format(time.RFC3339)),
			metadata,
		)
	}
	return nil
}

func (s *Service) verifyUserAuthorization(
	ctx context.Context,
	cart CartMandate,
	payerID string,
	method PaymentMethod,
	signature []byte,
) error {
	metadata := map[string]any{"cart_id": cart.ID, "payer_id": payerID}
	if len(signature) == 0 {
		return s.kindError(ErrorKindSignatureInvalid, "user authorization signature is required", metadata)
	}
	payload, err := CanonicalPaymentPayload(cart.ID, cart.Total, method)
	if err != nil {
		return s.wrapKindError(err, ErrorKindInternal, metadata)
	}
	valid, err := s.signer.Verify(ctx, UserPrincipal(payerID), payload, signature)
	if err != nil {
		return s.wrapKindError(err, ErrorKindSignatureInvalid, metadata)
	}
	if !valid {
		return s.kindError(ErrorKindSignatureInvalid, fmt.Sprintf("user authorization for cart %s does not verify", cart.ID), metadata)
	}
	return nil
}

func (s *Service) auditRejection(ctx context.Context, message string, cartID string, payerID string, method PaymentMethod, err error) {
	s.logError(ctx, message, map[string]any{
		"audit":          true,
		"cart_id":        cartID,
		"payer_id":       payerID,
		"payment_method": RedactPaymentMethod(method),
		"error_kind":     ErrorKind(err),
		"error":          err.Error(),
	})
}

// SignPaymentAuthorization signs the canonical payment payload for payerID
// with signer. Wallets and tests use it to produce the token ProcessPayment
// verifies.
func SignPaymentAuthorization(
	ctx context.Context,
	signer SignerVerifier,
	payerID string,
	cartID string,
	total Money,
	method PaymentMethod,
) (UserAuthorization, error) {
	if signer == nil {
		return UserAuthorization{}, ErrSignerNotWired
	}
	payerID = strings.TrimSpace(payerID)
	if payerID == "" {
		return UserAuthorization{}, fmt.Errorf("core: payer id is required")
	}
	payload, err := CanonicalPaymentPayload(cartID, total, method)
	if err != nil {
		return UserAuthorization{}, err
	}
	signature, err := signer.Sign(ctx, UserPrincipal(payerID), payload)
	if err != nil {
		return UserAuthorization{}, err
	}
	return UserAuthorization{PayerID: payerID, Signature: signature}, nil
}

// SignPaymentAuthorization signs for a stored cart with the service signer.
// It only succeeds when the service holds the payer's private key, which is
// the case for embedded wallets and development key providers.
func (s *Service) SignPaymentAuthorization(
	ctx context.Context,
	payerID string,
	cartID string,
	method PaymentMethod,
) (UserAuthorization, error) {
	if err := s.requireStore(); err != nil {
		return UserAuthorization{}, err
	}
	if err := s.requireSigner(); err != nil {
		return UserAuthorization{}, err
	}
	if strings.TrimSpace(payerID) == "" {
		return UserAuthorization{}, s.kindError(ErrorKindInvalidInput, "payer id is required", nil)
	}
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return UserAuthorization{}, s.mapError(err)
	}
	auth, err := SignPaymentAuthorization(ctx, s.signer, payerID, cart.ID, cart.Total, method)
	if err != nil {
		return UserAuthorization{}, s.wrapKindError(err, ErrorKindInternal, map[string]any{"cart_id": cart.ID})
	}
	return auth, nil
}
