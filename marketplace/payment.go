/*
payment.go - Payment orders and signature verification

PURPOSE:
  The payment order is the audit record of money changing hands. It is never
  the source of truth for booking or enrollment state, but Book and Purchase
  refuse to run against an order that was not verified, was opened for a
  different item or amount, or was already consumed.

FLOW:
  CreateOrder   -> provider order opened, record status=created
  (student pays at the provider)
  VerifyPayment -> provider signature checked (HMAC-SHA256 over
                   providerOrderID|paymentID by default), record status=verified
  Book/Purchase -> record status=consumed (or refund_due if booking reverted)
*/
package marketplace

import (
	"context"
	"fmt"
)

type OrderInput struct {
	Purpose     OrderPurpose
	ReferenceID string
}

// CreateOrder opens a provider order for the price of the referenced item.
func (s *Service) CreateOrder(ctx context.Context, actor Actor, in OrderInput) (*PaymentOrder, error) {
	if actor.Role != RoleStudent || actor.ID == "" {
		return nil, forbidden("only students can create payment orders")
	}
	if in.ReferenceID == "" {
		return nil, validationError("reference_id is required")
	}
	if s.Orders == nil {
		return nil, newError(KindConfiguration, "payment_provider", "no payment provider configured")
	}
	studentID := StudentID(actor.ID)
	if _, err := s.Store.GetStudent(ctx, studentID); err != nil {
		return nil, err
	}

	amountMinor, currency, err := s.priceOf(ctx, studentID, in)
	if err != nil {
		return nil, err
	}
	if amountMinor <= 0 {
		return nil, validationError("nothing to pay for %s %s", in.Purpose, in.ReferenceID)
	}

	id := OrderID(s.newID())
	provider, err := s.Orders.CreateOrder(ctx, amountMinor, currency, string(id))
	if err != nil {
		return nil, fmt.Errorf("create provider order: %w", err)
	}

	now := s.now()
	order := &PaymentOrder{
		ID:              id,
		ProviderOrderID: provider.OrderID,
		ProviderHandle:  provider.Handle,
		AmountMinor:     amountMinor,
		Currency:        currency,
		Purpose:         in.Purpose,
		ReferenceID:     in.ReferenceID,
		StudentID:       studentID,
		Status:          OrderCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger().Info("payment order created",
		"component", "payment", "order_id", order.ID, "provider_order_id", order.ProviderOrderID,
		"purpose", order.Purpose, "amount_minor", order.AmountMinor, "currency", order.Currency)
	return order, nil
}

// priceOf returns the amount due for the referenced item in minor units.
func (s *Service) priceOf(ctx context.Context, studentID StudentID, in OrderInput) (int64, string, error) {
	switch in.Purpose {
	case PurposeSession:
		session, err := s.Store.GetSession(ctx, SessionID(in.ReferenceID))
		if err != nil {
			return 0, "", err
		}
		if session.BookedStatus {
			return 0, "", conflict(ErrAlreadyBooked, "session %s is already booked", session.ID)
		}
		if session.Status != StatusNotBooked {
			return 0, "", invalidState("session %s cannot be booked (status %s)", session.ID, session.Status)
		}
		return ToMinorUnits(session.Pricing.Total), session.Pricing.Currency, nil

	case PurposeCourse, PurposeCohort:
		offering, err := s.Store.GetOffering(ctx, OfferingID(in.ReferenceID))
		if err != nil {
			return 0, "", err
		}
		if purposeFor(offering.Kind) != in.Purpose {
			return 0, "", validationError("%s is a %s, not a %s", offering.ID, offering.Kind, in.Purpose)
		}
		if offering.Status != OfferingApproved {
			return 0, "", invalidState("%s %s is not available for purchase", offering.Kind, offering.ID)
		}
		if offering.HasPurchaser(studentID) {
			return 0, "", conflict(ErrAlreadyPurchased, "%s %s already purchased", offering.Kind, offering.ID)
		}
		if offering.IsFull() {
			return 0, "", newError(KindCapacity, "", "cohort %s is full", offering.ID)
		}
		return ToMinorUnits(offering.Price), offering.Currency, nil
	}
	return 0, "", validationError("unknown order purpose %q", in.Purpose)
}

type VerifyInput struct {
	ProviderOrderID string
	PaymentID       string
	Signature       string
}

// VerifyPayment checks the provider signature and marks the order verified.
// Replaying the same verified payment returns the order unchanged.
func (s *Service) VerifyPayment(ctx context.Context, in VerifyInput) (*PaymentOrder, error) {
	if in.ProviderOrderID == "" || in.PaymentID == "" || in.Signature == "" {
		return nil, validationError("order_id, payment_id and signature are required")
	}
	if s.PaymentSecret == "" {
		return nil, newError(KindConfiguration, "payment_secret", "payment secret is not configured")
	}

	current, err := s.Store.GetOrderByProviderID(ctx, in.ProviderOrderID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, orderKey(current.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !s.Verifier.Verify(current, in.PaymentID, in.Signature, s.PaymentSecret) {
		s.logger().Warn("payment signature mismatch",
			"component", "payment", "order_id", current.ID, "provider_order_id", in.ProviderOrderID, "payment_id", in.PaymentID)
		return nil, newError(KindSignatureMismatch, "", "payment signature does not match")
	}

	var out *PaymentOrder
	err = s.Store.WithTx(ctx, func(st Store) error {
		order, err := st.GetOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		if order.IsVerified {
			if order.PaymentID != in.PaymentID {
				return newError(KindConflict, "payment_mismatch",
					"order %s was already verified with a different payment", order.ID)
			}
			out = order
			return nil
		}

		now := s.now()
		order.PaymentID = in.PaymentID
		order.Signature = in.Signature
		order.IsVerified = true
		order.Status = OrderVerified
		order.VerifiedAt = &now
		order.UpdatedAt = now
		if err := st.SaveOrder(ctx, order); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetOrder(ctx context.Context, id OrderID) (*PaymentOrder, error) {
	return s.Store.GetOrder(ctx, id)
}

// checkOrder refuses to book or enroll against a payment that does not
// belong to this student and item, or that was not verified.
func checkOrder(order *PaymentOrder, studentID StudentID, purpose OrderPurpose, referenceID string, amountMinor int64) error {
	if order.StudentID != studentID {
		return forbidden("payment order %s belongs to another student", order.ID)
	}
	if !order.IsVerified {
		return conflict(ErrPaymentUnverified, "payment order %s is not verified", order.ID)
	}
	if order.Status != OrderVerified || order.ConsumedBy != "" {
		return conflict(ErrPaymentConsumed, "payment order %s was already used (status %s)", order.ID, order.Status)
	}
	if order.Purpose != purpose || order.ReferenceID != referenceID {
		return validationError("payment order %s was not created for %s %s", order.ID, purpose, referenceID)
	}
	if order.AmountMinor != amountMinor {
		return validationError("payment order %s amount %d does not match price %d", order.ID, order.AmountMinor, amountMinor)
	}
	return nil
}
