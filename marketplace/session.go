/*
session.go - Slot / Session state machine and the booking saga

PURPOSE:
  Governs a single bookable slot from creation through booking, completion
  and cancellation.

STATE FLOW:
  ┌────────────┐  Book   ┌─────────────────┐ calendar ok ┌──────────┐ Complete ┌───────────┐
  │ not booked │ ──────▶ │ pending booking │ ──────────▶ │ upcoming │ ───────▶ │ completed │
  └────────────┘         └─────────────────┘             └──────────┘          └───────────┘
        ▲                        │ calendar failed/timeout     │ Cancel
        └────────────────────────┘                             ▼
                                                         ┌───────────┐
                                                         │ cancelled │
                                                         └───────────┘

BOOKING SAGA:
  1. Reserve (locked, one transaction): check the verified payment order,
     set bookedBy/bookedStatus/paymentStatus=completed, status=pending
     booking, and consume the order. A second Book now fails with
     ErrAlreadyBooked.
  2. Create the calendar event with no lock held, bounded by CalendarTimeout.
  3. Confirm (upcoming + meet link) or revert (not booked, payment failed,
     order refund_due). A revert surfaces BookingFailedError so the caller
     can reverse the payment capture.

REVENUE RECOGNITION:
  Complete credits the expert's sessions ledger by the slot's expert fee.
  Booking itself never touches the ledger.
*/
package marketplace

import (
	"context"
	"fmt"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// =============================================================================
// SLOT CREATION & EDITING
// =============================================================================

type SlotInput struct {
	Date      string
	StartTime string
	EndTime   string
}

// CreateSlot creates an empty slot priced from the expert's session pricing.
func (s *Service) CreateSlot(ctx context.Context, actor Actor, expertID ExpertID, in SlotInput) (*Session, error) {
	if !canManageExpert(actor, expertID) {
		return nil, forbidden("cannot create slots for expert %s", expertID)
	}
	if _, _, err := s.slotTimes(in.Date, in.StartTime, in.EndTime); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, expertKey(expertID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Session
	err = s.Store.WithTx(ctx, func(st Store) error {
		expert, err := st.GetExpert(ctx, expertID)
		if err != nil {
			return err
		}
		if expert.SessionPricing == nil {
			return newError(KindConfiguration, "pricing_not_set",
				"expert %s has no approved session pricing", expertID)
		}
		existing, err := st.FindSlot(ctx, expertID, in.Date, in.StartTime, in.EndTime)
		if err != nil {
			return err
		}
		if existing != nil {
			return conflict(ErrSlotExists, "slot already exists")
		}

		now := s.now()
		session := &Session{
			ID:        SessionID(s.newID()),
			ExpertID:  expertID,
			Date:      in.Date,
			StartTime: in.StartTime,
			EndTime:   in.EndTime,
			Pricing: Pricing{
				ExpertFee:   expert.SessionPricing.ExpertFee,
				PlatformFee: expert.SessionPricing.PlatformFee,
				Currency:    expert.SessionPricing.Currency,
			}.Normalized(),
			BookedStatus:  false,
			PaymentStatus: PaymentPending,
			Status:        StatusNotBooked,
			CreatedAt:     now,
			UpdatedAt:     now,
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

// SlotPatch is the whitelist of fields an expert may change on a slot.
// Nil fields are left untouched.
type SlotPatch struct {
	Date      *string
	StartTime *string
	EndTime   *string
}

// UpdateSlot reschedules a slot that nobody has booked yet.
func (s *Service) UpdateSlot(ctx context.Context, actor Actor, id SessionID, patch SlotPatch) (*Session, error) {
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
		if !canManageExpert(actor, session.ExpertID) {
			return forbidden("cannot edit session %s", id)
		}
		if session.BookedStatus || session.Status != StatusNotBooked {
			return invalidState("only unbooked slots can be rescheduled (status %s)", session.Status)
		}

		date, start, end := session.Date, session.StartTime, session.EndTime
		if patch.Date != nil {
			date = *patch.Date
		}
		if patch.StartTime != nil {
			start = *patch.StartTime
		}
		if patch.EndTime != nil {
			end = *patch.EndTime
		}
		if _, _, err := s.slotTimes(date, start, end); err != nil {
			return err
		}
		existing, err := st.FindSlot(ctx, session.ExpertID, date, start, end)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != session.ID {
			return conflict(ErrSlotExists, "slot already exists")
		}

		session.Date, session.StartTime, session.EndTime = date, start, end
		session.UpdatedAt = s.now()
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

// =============================================================================
// BOOKING SAGA
// =============================================================================

type BookInput struct {
	SessionID SessionID
	Title     string
	OrderID   OrderID
}

// Book books a slot for the calling student against a verified payment order.
func (s *Service) Book(ctx context.Context, actor Actor, in BookInput) (*Session, error) {
	if actor.Role != RoleStudent || actor.ID == "" {
		return nil, forbidden("only students can book sessions")
	}
	if in.SessionID == "" || in.OrderID == "" || in.Title == "" {
		return nil, validationError("session_id, order_id and title are required")
	}
	studentID := StudentID(actor.ID)

	res, err := s.reserveSlot(ctx, studentID, in)
	if err != nil {
		return nil, err
	}

	result, calErr := s.createEvent(ctx, CalendarEvent{
		Summary:   res.session.Title,
		Start:     res.start,
		End:       res.end,
		Attendees: []string{res.student.Email, res.expert.Email},
	})
	if calErr != nil {
		s.logger().Warn("calendar event failed, reverting booking",
			"component", "booking", "session_id", in.SessionID, "student_id", studentID, "error", calErr)
		if err := s.revertBooking(ctx, in.SessionID, studentID, in.OrderID); err != nil {
			s.logger().Error("booking revert failed",
				"component", "booking", "session_id", in.SessionID, "order_id", in.OrderID, "error", err)
			return nil, &Error{Kind: KindPartialFailure, Message: "booking could not be reverted after calendar failure", Err: err}
		}
		return nil, &Error{
			Kind:    KindBookingFailed,
			Message: "booking failed; payment must be refunded",
			Err:     &Error{Kind: KindCalendar, Message: "calendar event creation failed", Err: calErr},
		}
	}

	booked, err := s.confirmBooking(ctx, in.SessionID, studentID, result)
	if err != nil {
		s.logger().Error("booking confirmation failed after calendar event was created",
			"component", "booking", "session_id", in.SessionID, "event_id", result.EventID, "error", err)
		return nil, &Error{Kind: KindPartialFailure, Message: "calendar event created but booking not confirmed", Err: err}
	}

	s.Dispatcher.Dispatch(
		Notification{
			To:       res.student.Email,
			Subject:  "Your session is booked",
			Template: "session_booked_student",
			Data: map[string]any{
				"student_name": res.student.Name,
				"expert_name":  res.expert.Name,
				"title":        booked.Title,
				"date":         booked.Date,
				"start_time":   booked.StartTime,
				"end_time":     booked.EndTime,
				"meet_link":    booked.MeetLink,
			},
		},
		Notification{
			To:       res.expert.Email,
			Subject:  "New session booking",
			Template: "session_booked_expert",
			Data: map[string]any{
				"expert_name":  res.expert.Name,
				"student_name": res.student.Name,
				"title":        booked.Title,
				"date":         booked.Date,
				"start_time":   booked.StartTime,
				"end_time":     booked.EndTime,
				"meet_link":    booked.MeetLink,
			},
		},
	)
	return booked, nil
}

type reservation struct {
	session    *Session
	student    *Student
	expert     *Expert
	start, end time.Time
}

// reserveSlot is saga step 1: lock the slot and consume the payment order.
func (s *Service) reserveSlot(ctx context.Context, studentID StudentID, in BookInput) (*reservation, error) {
	unlock, err := s.lock(ctx, sessionKey(in.SessionID), orderKey(in.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &reservation{}
	err = s.Store.WithTx(ctx, func(st Store) error {
		session, err := st.GetSession(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if session.BookedStatus {
			return conflict(ErrAlreadyBooked, "session %s is already booked", session.ID)
		}
		if session.Status != StatusNotBooked {
			return invalidState("session %s cannot be booked (status %s)", session.ID, session.Status)
		}
		start, end, err := s.slotTimes(session.Date, session.StartTime, session.EndTime)
		if err != nil {
			return err
		}
		student, err := st.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		expert, err := st.GetExpert(ctx, session.ExpertID)
		if err != nil {
			return err
		}
		order, err := st.GetOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if err := checkOrder(order, studentID, PurposeSession, string(session.ID), ToMinorUnits(session.Pricing.Total)); err != nil {
			return err
		}

		now := s.now()
		sid := studentID
		session.BookedBy = &sid
		session.BookedStatus = true
		session.PaymentStatus = PaymentCompleted
		session.Status = StatusPendingBooking
		session.Title = in.Title
		session.OrderID = order.ID
		session.BookingStartedAt = &now
		session.UpdatedAt = now

		order.Status = OrderConsumed
		order.ConsumedBy = "session:" + string(session.ID)
		order.UpdatedAt = now

		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		if err := st.SaveOrder(ctx, order); err != nil {
			return err
		}
		res.session, res.student, res.expert = session, student, expert
		res.start, res.end = start, end
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// createEvent calls the calendar with a hard deadline. A calendar that
// ignores its context still cannot hold the booking past the timeout.
func (s *Service) createEvent(ctx context.Context, ev CalendarEvent) (CalendarResult, error) {
	if s.Calendar == nil {
		return CalendarResult{}, fmt.Errorf("no calendar configured")
	}
	cctx, cancel := context.WithTimeout(ctx, s.CalendarTimeout)
	defer cancel()

	type outcome struct {
		res CalendarResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Calendar.CreateEvent(cctx, ev)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.res.MeetingLink == "" {
			return CalendarResult{}, fmt.Errorf("calendar returned no meeting link")
		}
		return o.res, o.err
	case <-cctx.Done():
		return CalendarResult{}, fmt.Errorf("calendar event: %w", cctx.Err())
	}
}

// confirmBooking is saga step 3 on success.
func (s *Service) confirmBooking(ctx context.Context, id SessionID, studentID StudentID, result CalendarResult) (*Session, error) {
	unlock, err := s.lock(ctx, sessionKey(id))
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
		if session.Status != StatusPendingBooking || !session.IsBookedBy(string(studentID)) {
			return invalidState("booking of session %s was reverted before confirmation", id)
		}
		session.Status = StatusUpcoming
		session.MeetLink = result.MeetingLink
		session.EventID = result.EventID
		session.BookingStartedAt = nil
		session.UpdatedAt = s.now()
		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		out = session
		return nil
	})
	return out, err
}

// revertBooking is saga step 3 on failure: the slot goes back on sale and the
// order is flagged for a refund. A session that is no longer pending for
// this student is left alone.
func (s *Service) revertBooking(ctx context.Context, id SessionID, studentID StudentID, orderID OrderID) error {
	unlock, err := s.lock(ctx, sessionKey(id), orderKey(orderID))
	if err != nil {
		return err
	}
	defer unlock()

	return s.Store.WithTx(ctx, func(st Store) error {
		session, err := st.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if session.Status != StatusPendingBooking || !session.IsBookedBy(string(studentID)) || session.OrderID != orderID {
			return nil
		}
		now := s.now()
		session.BookedBy = nil
		session.BookedStatus = false
		session.PaymentStatus = PaymentFailed
		session.Status = StatusNotBooked
		session.Title = ""
		session.OrderID = ""
		session.RefundRequest = nil
		session.RefundProcessed = false
		session.BookingStartedAt = nil
		session.UpdatedAt = now
		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}

		if orderID == "" {
			return nil
		}
		order, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order.Status = OrderRefundDue
		order.ConsumedBy = ""
		order.UpdatedAt = now
		return st.SaveOrder(ctx, order)
	})
}

// SweepStaleBookings reverts sessions stuck in pending booking for longer
// than olderThan, e.g. after a crash between saga steps.
func (s *Service) SweepStaleBookings(ctx context.Context, olderThan time.Duration) (int, error) {
	sessions, err := s.Store.ListSessions(ctx, SessionFilter{Status: StatusPendingBooking})
	if err != nil {
		return 0, fmt.Errorf("list pending bookings: %w", err)
	}
	cutoff := s.now().Add(-olderThan)
	reverted := 0
	for _, session := range sessions {
		if session.BookedBy == nil || session.BookingStartedAt == nil || session.BookingStartedAt.After(cutoff) {
			continue
		}
		if err := s.revertBooking(ctx, session.ID, *session.BookedBy, session.OrderID); err != nil {
			s.logger().Error("stale booking revert failed",
				"component", "sweeper", "session_id", session.ID, "error", err)
			continue
		}
		s.logger().Warn("stale booking reverted; payment marked refund_due",
			"component", "sweeper", "session_id", session.ID, "order_id", session.OrderID)
		reverted++
	}
	return reverted, nil
}

// =============================================================================
// COMPLETION, CANCELLATION, FEEDBACK
// =============================================================================

type CompleteInput struct {
	SessionID SessionID
	NotesText string
	Files     []string
}

// Complete marks an upcoming session completed and credits the expert.
func (s *Service) Complete(ctx context.Context, actor Actor, in CompleteInput) (*Session, error) {
	expertID, err := s.sessionOwner(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, sessionKey(in.SessionID), expertKey(expertID))
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
		if !canManageExpert(actor, session.ExpertID) {
			return forbidden("cannot complete session %s", session.ID)
		}
		if session.Status.IsTerminal() {
			return invalidState("session %s is already %s", session.ID, session.Status)
		}
		if session.Status != StatusUpcoming {
			return invalidState("only upcoming sessions can be completed (status %s)", session.Status)
		}
		if session.RefundProcessed {
			return invalidState("session %s was refunded and cannot be completed", session.ID)
		}

		now := s.now()
		session.Status = StatusCompleted
		session.Notes = &Notes{
			Text:       in.NotesText,
			Files:      append([]string(nil), in.Files...),
			UploadedAt: now,
		}
		session.UpdatedAt = now

		expert, err := st.GetExpert(ctx, session.ExpertID)
		if err != nil {
			return err
		}
		if _, err := s.credit(ctx, st, expert, ledgerChange{
			Category:       CategorySessions,
			Amount:         session.Pricing.ExpertFee,
			ReferenceID:    string(session.ID),
			Reason:         "session completed",
			IdempotencyKey: "session:" + string(session.ID) + ":completion-credit",
			Actor:          actor.ID,
		}); err != nil {
			return err
		}
		expert.UpdatedAt = now

		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		if err := st.SaveExpert(ctx, expert); err != nil {
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
		s.Dispatcher.Dispatch(Notification{
			To:       student.Email,
			Subject:  "Session completed",
			Template: "session_completed",
			Data:     map[string]any{"student_name": student.Name, "title": out.Title, "notes": out.Notes.Text},
		})
	}
	return out, nil
}

// Cancel cancels a session on the expert's side. Refund bookkeeping is left
// to the admin refund operations.
func (s *Service) Cancel(ctx context.Context, actor Actor, id SessionID) (*Session, error) {
	unlock, err := s.lock(ctx, sessionKey(id))
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
		if !canManageExpert(actor, session.ExpertID) {
			return forbidden("cannot cancel session %s", id)
		}
		if session.Status.IsTerminal() {
			return invalidState("session %s is already %s", id, session.Status)
		}
		if session.Status == StatusPendingBooking {
			return invalidState("session %s has a booking in progress", id)
		}
		session.Status = StatusCancelled
		session.UpdatedAt = s.now()
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
		s.Dispatcher.Dispatch(Notification{
			To:       student.Email,
			Subject:  "Your session was cancelled",
			Template: "session_cancelled",
			Data: map[string]any{
				"student_name": student.Name,
				"title":        out.Title,
				"date":         out.Date,
				"start_time":   out.StartTime,
			},
		})
	}
	return out, nil
}

type FeedbackInput struct {
	Rating      int
	Heading     string
	Description string
}

func (in FeedbackInput) validate() error {
	if in.Rating <= 0 || in.Rating > 5 {
		return validationError("rating must be between 1 and 5")
	}
	if in.Heading == "" || in.Description == "" {
		return validationError("rating, heading and description are required")
	}
	return nil
}

// SubmitFeedback attaches the booking student's feedback to a completed session.
func (s *Service) SubmitFeedback(ctx context.Context, actor Actor, id SessionID, in FeedbackInput) (*Session, error) {
	if err := in.validate(); err != nil {
		return nil, err
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
		if actor.Role != RoleStudent || !session.IsBookedBy(actor.ID) {
			return forbidden("only the student who booked session %s can leave feedback", id)
		}
		if session.Feedback != nil {
			return conflict(ErrDuplicateFeedback, "feedback already submitted for session %s", id)
		}
		if session.Status != StatusCompleted {
			return invalidState("feedback is only accepted for completed sessions")
		}
		student, err := st.GetStudent(ctx, StudentID(actor.ID))
		if err != nil {
			return err
		}
		expert, err := st.GetExpert(ctx, session.ExpertID)
		if err != nil {
			return err
		}

		now := s.now()
		session.Feedback = &SessionFeedback{
			Rating:      in.Rating,
			Detail:      FeedbackDetail{Heading: in.Heading, Description: in.Description},
			StudentName: student.Name,
			CreatedAt:   now,
		}
		session.UpdatedAt = now
		expert.RecordFeedback(CategorySessions, in.Rating)
		expert.UpdatedAt = now

		if err := st.SaveSession(ctx, session); err != nil {
			return err
		}
		if err := st.SaveExpert(ctx, expert); err != nil {
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

// =============================================================================
// QUERIES & HELPERS
// =============================================================================

func (s *Service) GetSession(ctx context.Context, id SessionID) (*Session, error) {
	return s.Store.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	return s.Store.ListSessions(ctx, filter)
}

// sessionOwner reads the (immutable) owner so locks can be taken in order.
func (s *Service) sessionOwner(ctx context.Context, id SessionID) (ExpertID, error) {
	session, err := s.Store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return session.ExpertID, nil
}

// slotTimes parses a slot's wall-clock strings in the configured zone.
func (s *Service) slotTimes(date, start, end string) (time.Time, time.Time, error) {
	if date == "" || start == "" || end == "" {
		return time.Time{}, time.Time{}, validationError("date, start_time and end_time are required")
	}
	from, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+start, s.Location)
	if err != nil {
		return time.Time{}, time.Time{}, validationError("invalid slot start %q %q (want YYYY-MM-DD HH:MM)", date, start)
	}
	to, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+end, s.Location)
	if err != nil {
		return time.Time{}, time.Time{}, validationError("invalid slot end %q %q (want YYYY-MM-DD HH:MM)", date, end)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, validationError("end_time must be after start_time")
	}
	return from, to, nil
}

func canManageExpert(actor Actor, expertID ExpertID) bool {
	return actor.IsAdmin() || (actor.Role == RoleExpert && actor.ID == string(expertID))
}
