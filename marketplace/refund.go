/*
refund.go - Refund sub-state-machine on a Session

PURPOSE:
  A student who booked a session can ask for a refund; an admin approves or
  rejects it. Separately, an admin can mark a session refunded when the money
  went back outside the request flow (typically after an expert cancelled).

STATE FLOW:
  (none) ──RequestRefund──▶ pending ──ApproveRefund──▶ approved
                                    └──RejectRefund───▶ rejected

  All three states are final for the request: a session with any request on
  it (including a rejected one) cannot be asked for a refund again.

LEDGER RECONCILIATION:
  ApproveRefund and MarkRefundProcessed share one rule, applied at most once
  per session and guarded by Session.RefundProcessed:

    if !RefundProcessed:
        RefundProcessed = true
        if Status == completed: debit sessions by Pricing.ExpertFee

  A session that was never completed was never credited, so it is never
  debited. The debit is written with the idempotency key
  session:<id>:refund-debit, so storage rejects a second one as well.
*/
package marketplace

import (
	"context"
	"sort"
)

type RefundInput struct {
	SessionID      SessionID
	Reason         string
	SupportingDocs []string
}

// RequestRefund opens a pending refund request on behalf of the booking student.
func (s *Service) RequestRefund(ctx context.Context, actor Actor, in RefundInput) (*Session, error) {
	if in.Reason == "" {
		return nil, validationError("reason is required")
	}
	unlock, err := s.lock(ctx, sessionKey(in.SessionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		out     *Session
		student *Student
	)
	err = s.Store.WithTx(ctx, func(st Store) error {
		session, err := st.GetSession(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if actor.Role != RoleStudent || !session.IsBookedBy(actor.ID) {
			return forbidden("only the student who booked session %s can request a refund", session.ID)
		}
		switch session.Status {
		case StatusUpcoming, StatusCompleted, StatusCancelled:
		default:
			return invalidState("no refund can be requested for session %s (status %s)", session.ID, session.Status)
		}
		if session.RefundRequest != nil && session.RefundRequest.IsRequested {
			return conflict(ErrAlreadyRequested, "a refund was already requested for session %s", session.ID)
		}
		if student, err = st.GetStudent(ctx, *session.BookedBy); err != nil {
			return err
		}

		now := s.now()
		session.RefundRequest = &RefundRequest{
			IsRequested:    true,
			Reason:         in.Reason,
			RequestDate:    now,
			SupportingDocs: append([]string(nil), in.SupportingDocs...),
			Status:         RefundPending,
		}
		session.UpdatedAt = now
		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Dispatcher.Dispatch(Notification{
		To:       s.AdminEmail,
		Subject:  "New refund request",
		Template: "refund_requested",
		Data: map[string]any{
			"session_id":    out.ID,
			"student_name":  student.Name,
			"student_email": student.Email,
			"reason":        in.Reason,
			"documents":     len(in.SupportingDocs),
		},
	})
	return out, nil
}

// ApproveRefund approves a pending request and reconciles the ledger.
func (s *Service) ApproveRefund(ctx context.Context, actor Actor, id SessionID, adminMessage string) (*Session, error) {
	return s.decideRefund(ctx, actor, id, RefundApproved, adminMessage)
}

// RejectRefund rejects a pending request. The ledger is not touched.
func (s *Service) RejectRefund(ctx context.Context, actor Actor, id SessionID, adminMessage string) (*Session, error) {
	if adminMessage == "" {
		return nil, validationError("admin message is required to reject a refund")
	}
	return s.decideRefund(ctx, actor, id, RefundRejected, adminMessage)
}

func (s *Service) decideRefund(ctx context.Context, actor Actor, id SessionID, decision RefundStatus, adminMessage string) (*Session, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("only admins can decide refunds")
	}
	expertID, err := s.sessionOwner(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, sessionKey(id), expertKey(expertID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		out     *Session
		student *Student
	)
	err = s.Store.WithTx(ctx, func(st Store) error {
		session, err := st.GetSession(ctx, id)
		if err != nil {
			return err
		}
		req := session.RefundRequest
		if req == nil || !req.IsRequested {
			return invalidState("session %s has no refund request", id)
		}
		if req.Status != RefundPending {
			return invalidState("refund request for session %s is already %s", id, req.Status)
		}

		now := s.now()
		req.Status = decision
		req.AdminMessage = adminMessage
		req.DecidedAt = &now
		session.UpdatedAt = now

		if decision == RefundApproved {
			if err := s.reconcileRefund(ctx, st, session, actor); err != nil {
				return err
			}
		}
		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		if session.BookedBy != nil {
			if student, err = st.GetStudent(ctx, *session.BookedBy); err != nil {
				return err
			}
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	if student != nil {
		subject, template := "Your refund was approved", "refund_approved"
		if decision == RefundRejected {
			subject, template = "Your refund was rejected", "refund_rejected"
		}
		s.Dispatcher.Dispatch(Notification{
			To:       student.Email,
			Subject:  subject,
			Template: template,
			Data: map[string]any{
				"student_name":  student.Name,
				"session_id":    out.ID,
				"admin_message": adminMessage,
			},
		})
	}
	return out, nil
}

// MarkRefundProcessed records a refund made outside the request flow.
func (s *Service) MarkRefundProcessed(ctx context.Context, actor Actor, id SessionID) (*Session, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("only admins can mark refunds processed")
	}
	expertID, err := s.sessionOwner(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, sessionKey(id), expertKey(expertID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Session
	err = s.Store.WithTx(ctx, func(st Store) error {
		session, err := st.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if session.BookedBy == nil {
			return invalidState("session %s was never booked", id)
		}
		if session.RefundProcessed {
			return conflict(ErrRefundAlreadyProcessed, "refund for session %s is already processed", id)
		}
		session.UpdatedAt = s.now()
		if err := s.reconcileRefund(ctx, st, session, actor); err != nil {
			return err
		}
		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reconcileRefund sets RefundProcessed and reverses the completion credit.
// The caller holds the session and expert locks and saves the session.
func (s *Service) reconcileRefund(ctx context.Context, st Store, session *Session, actor Actor) error {
	if session.RefundProcessed {
		return nil
	}
	session.RefundProcessed = true
	if session.Status != StatusCompleted {
		return nil
	}

	expert, err := st.GetExpert(ctx, session.ExpertID)
	if err != nil {
		return err
	}
	if _, err := s.debit(ctx, st, expert, ledgerChange{
		Category:       CategorySessions,
		Amount:         session.Pricing.ExpertFee,
		ReferenceID:    string(session.ID),
		Reason:         "session refunded",
		IdempotencyKey: "session:" + string(session.ID) + ":refund-debit",
		Actor:          actor.ID,
	}); err != nil {
		return err
	}
	expert.UpdatedAt = s.now()
	return st.SaveExpert(ctx, expert)
}

// ListRefundRequests returns sessions carrying a refund request, optionally
// filtered by request status, oldest request first.
func (s *Service) ListRefundRequests(ctx context.Context, actor Actor, status RefundStatus) ([]*Session, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("only admins can list refund requests")
	}
	sessions, err := s.Store.ListSessions(ctx, SessionFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0)
	for _, session := range sessions {
		req := session.RefundRequest
		if req == nil || !req.IsRequested {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, session)
	}
	sortByRequestDate(out)
	return out, nil
}

func sortByRequestDate(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].RefundRequest.RequestDate.Before(sessions[j].RefundRequest.RequestDate)
	})
}
