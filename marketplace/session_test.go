package marketplace_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-marketplace/marketplace"
)

// =============================================================================
// SLOT TESTS
// =============================================================================

func TestCreateSlot_SnapshotsPricing(t *testing.T) {
	// GIVEN: expert fee 500, platform fee 100
	f := newFixture(t)
	f.expert("exp-1", 500, 100)

	// WHEN
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")

	// THEN: total is derived, slot is on sale
	assert.True(t, dec(600).Equal(slot.Pricing.Total))
	assert.Equal(t, marketplace.StatusNotBooked, slot.Status)
	assert.Equal(t, marketplace.PaymentPending, slot.PaymentStatus)
	assert.False(t, slot.BookedStatus)
	assert.Nil(t, slot.BookedBy)
}

func TestCreateSlot_Rejections(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	_, err := f.svc.RegisterExpert(f.ctx, marketplace.ExpertInput{ID: "exp-unpriced", Name: "N", Email: "n@example.com"})
	require.NoError(t, err)
	f.slot("exp-1", "2026-03-10", "10:00", "11:00")

	tests := []struct {
		name   string
		actor  marketplace.Actor
		expert marketplace.ExpertID
		in     marketplace.SlotInput
		want   error
	}{
		{"duplicate slot", expertActor("exp-1"), "exp-1",
			marketplace.SlotInput{Date: "2026-03-10", StartTime: "10:00", EndTime: "11:00"}, marketplace.ErrSlotExists},
		{"other expert", expertActor("exp-2"), "exp-1",
			marketplace.SlotInput{Date: "2026-03-11", StartTime: "10:00", EndTime: "11:00"}, marketplace.ErrForbidden},
		{"end before start", expertActor("exp-1"), "exp-1",
			marketplace.SlotInput{Date: "2026-03-11", StartTime: "11:00", EndTime: "10:00"}, marketplace.ErrValidation},
		{"bad date", expertActor("exp-1"), "exp-1",
			marketplace.SlotInput{Date: "11/03/2026", StartTime: "10:00", EndTime: "11:00"}, marketplace.ErrValidation},
		{"no pricing", expertActor("exp-unpriced"), "exp-unpriced",
			marketplace.SlotInput{Date: "2026-03-11", StartTime: "10:00", EndTime: "11:00"}, marketplace.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSlot(f.ctx, tt.actor, tt.expert, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUpdateSlot_OnlyWhileUnbooked(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	a := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	b := f.slot("exp-1", "2026-03-10", "12:00", "13:00")

	// Moving onto another slot's time collides
	start, end := "12:00", "13:00"
	_, err := f.svc.UpdateSlot(f.ctx, expertActor("exp-1"), a.ID, marketplace.SlotPatch{StartTime: &start, EndTime: &end})
	assert.ErrorIs(t, err, marketplace.ErrSlotExists)

	// A free time works
	start, end = "15:00", "16:00"
	moved, err := f.svc.UpdateSlot(f.ctx, expertActor("exp-1"), a.ID, marketplace.SlotPatch{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	assert.Equal(t, "15:00", moved.StartTime)

	// Booked slots are frozen
	_, err = f.book("stu-1", b.ID)
	require.NoError(t, err)
	date := "2026-03-12"
	_, err = f.svc.UpdateSlot(f.ctx, expertActor("exp-1"), b.ID, marketplace.SlotPatch{Date: &date})
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)
}

// =============================================================================
// BOOKING SAGA TESTS
// =============================================================================

func TestBook_Success(t *testing.T) {
	// GIVEN
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")

	// WHEN
	booked, err := f.book("stu-1", slot.ID)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusUpcoming, booked.Status)
	assert.True(t, booked.BookedStatus)
	assert.Equal(t, marketplace.PaymentCompleted, booked.PaymentStatus)
	assert.True(t, booked.IsBookedBy("stu-1"))
	assert.NotEmpty(t, booked.MeetLink)
	assert.Nil(t, booked.BookingStartedAt)

	order, err := f.svc.GetOrder(f.ctx, booked.OrderID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.OrderConsumed, order.Status)
	assert.Equal(t, "session:"+string(slot.ID), order.ConsumedBy)

	f.svc.Dispatcher.Wait()
	assert.ElementsMatch(t, []string{"session_booked_student", "session_booked_expert"}, f.notifier.templates())

	// Booking does not credit the expert
	assert.True(t, f.outstanding("exp-1").Total.IsZero())
}

func TestBook_CalendarFailureRevertsSlot(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	f.calendar.err = errors.New("calendar 503")
	order := f.paidOrder("stu-1", marketplace.PurposeSession, string(slot.ID))

	_, err := f.svc.Book(f.ctx, studentActor("stu-1"), marketplace.BookInput{SessionID: slot.ID, Title: "t", OrderID: order.ID})

	assert.ErrorIs(t, err, marketplace.ErrBookingFailed)
	assert.ErrorIs(t, err, marketplace.ErrCalendar)

	reverted, err := f.svc.GetSession(f.ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusNotBooked, reverted.Status)
	assert.False(t, reverted.BookedStatus)
	assert.Nil(t, reverted.BookedBy)
	assert.Equal(t, marketplace.PaymentFailed, reverted.PaymentStatus)

	stored, err := f.svc.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.OrderRefundDue, stored.Status)

	f.svc.Dispatcher.Wait()
	assert.Empty(t, f.notifier.templates())
}

func TestBook_MissingMeetingLinkIsFailure(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	f.calendar.noLink = true

	_, err := f.book("stu-1", slot.ID)

	assert.ErrorIs(t, err, marketplace.ErrBookingFailed)
}

func TestBook_CalendarTimeoutRevertsAndFlagsRefund(t *testing.T) {
	// GIVEN: a calendar that never answers
	f := newFixture(t)
	f.svc.CalendarTimeout = 20 * time.Millisecond
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.calendar.block = release

	order := f.paidOrder("stu-1", marketplace.PurposeSession, string(slot.ID))

	// WHEN
	_, err := f.svc.Book(f.ctx, studentActor("stu-1"), marketplace.BookInput{SessionID: slot.ID, Title: "t", OrderID: order.ID})

	// THEN: booking failed, slot is free again, order is owed back
	assert.ErrorIs(t, err, marketplace.ErrBookingFailed)

	session, err := f.svc.GetSession(f.ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusNotBooked, session.Status)

	stored, err := f.svc.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.OrderRefundDue, stored.Status)
	assert.Empty(t, stored.ConsumedBy)
}

func TestBook_RevertedBeforeConfirmIsPartialFailure(t *testing.T) {
	// GIVEN: the sweeper reverts the pending booking while the calendar call runs
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	f.calendar.onEvent = func() {
		n, err := f.svc.SweepStaleBookings(f.ctx, 0)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	// WHEN
	_, err := f.book("stu-1", slot.ID)

	// THEN
	assert.ErrorIs(t, err, marketplace.ErrPartialFailure)
	session, err := f.svc.GetSession(f.ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusNotBooked, session.Status)
}

func TestBook_ConcurrentStudentsOneWins(t *testing.T) {
	// GIVEN: two students with verified orders for the same slot
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	f.student("stu-2")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	o1 := f.paidOrder("stu-1", marketplace.PurposeSession, string(slot.ID))
	o2 := f.paidOrder("stu-2", marketplace.PurposeSession, string(slot.ID))

	// WHEN: both book at once
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, in := range []struct {
		student marketplace.StudentID
		order   marketplace.OrderID
	}{{"stu-1", o1.ID}, {"stu-2", o2.ID}} {
		wg.Add(1)
		go func(i int, student marketplace.StudentID, order marketplace.OrderID) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(f.ctx, studentActor(student), marketplace.BookInput{SessionID: slot.ID, Title: "t", OrderID: order})
		}(i, in.student, in.order)
	}
	wg.Wait()

	// THEN: exactly one succeeds, the other sees already-booked
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, marketplace.ErrAlreadyBooked)
	}
	assert.Equal(t, 1, succeeded)
}

func TestBook_OrderChecks(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	f.student("stu-2")
	a := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	b := f.slot("exp-1", "2026-03-10", "12:00", "13:00")

	unverified, err := f.svc.CreateOrder(f.ctx, studentActor("stu-1"), marketplace.OrderInput{Purpose: marketplace.PurposeSession, ReferenceID: string(a.ID)})
	require.NoError(t, err)
	forB := f.paidOrder("stu-1", marketplace.PurposeSession, string(b.ID))
	othersOrder := f.paidOrder("stu-2", marketplace.PurposeSession, string(a.ID))

	tests := []struct {
		name  string
		order marketplace.OrderID
		want  error
	}{
		{"unverified", unverified.ID, marketplace.ErrPaymentUnverified},
		{"different slot", forB.ID, marketplace.ErrValidation},
		{"another student's order", othersOrder.ID, marketplace.ErrForbidden},
		{"unknown order", "nope", marketplace.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(f.ctx, studentActor("stu-1"), marketplace.BookInput{SessionID: a.ID, Title: "t", OrderID: tt.order})
			assert.ErrorIs(t, err, tt.want)

			session, err := f.svc.GetSession(f.ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, marketplace.StatusNotBooked, session.Status)
		})
	}
}

func TestBook_ConsumedOrderCannotBeReused(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	order := f.paidOrder("stu-1", marketplace.PurposeSession, string(slot.ID))
	_, err := f.svc.Book(f.ctx, studentActor("stu-1"), marketplace.BookInput{SessionID: slot.ID, Title: "t", OrderID: order.ID})
	require.NoError(t, err)

	_, err = f.svc.Cancel(f.ctx, expertActor("exp-1"), slot.ID)
	require.NoError(t, err)
	other := f.slot("exp-1", "2026-03-10", "12:00", "13:00")

	_, err = f.svc.Book(f.ctx, studentActor("stu-1"), marketplace.BookInput{SessionID: other.ID, Title: "t", OrderID: order.ID})
	assert.ErrorIs(t, err, marketplace.ErrPaymentConsumed)
}

func TestBook_OnlyStudents(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")

	_, err := f.svc.Book(f.ctx, expertActor("exp-1"), marketplace.BookInput{SessionID: slot.ID, Title: "t", OrderID: "o"})
	assert.ErrorIs(t, err, marketplace.ErrForbidden)
}

// =============================================================================
// SWEEPER
// =============================================================================

func TestSweepStaleBookings_OnlyOldPending(t *testing.T) {
	// GIVEN: one booking left pending (as after a crash), one confirmed
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	pending := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	confirmed := f.slot("exp-1", "2026-03-10", "12:00", "13:00")
	_, err := f.book("stu-1", confirmed.ID)
	require.NoError(t, err)

	order := f.paidOrder("stu-1", marketplace.PurposeSession, string(pending.ID))
	stuck, err := f.store.GetSession(f.ctx, pending.ID)
	require.NoError(t, err)
	sid := marketplace.StudentID("stu-1")
	started := testNow.Add(-time.Hour)
	stuck.BookedBy, stuck.BookedStatus, stuck.Status = &sid, true, marketplace.StatusPendingBooking
	stuck.OrderID, stuck.BookingStartedAt = order.ID, &started
	require.NoError(t, f.store.SaveSession(f.ctx, stuck))

	// WHEN: a young cutoff leaves it alone, an old one reverts it
	n, err := f.svc.SweepStaleBookings(f.ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.svc.SweepStaleBookings(f.ctx, 15*time.Minute)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1, n)
	session, err := f.svc.GetSession(f.ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusNotBooked, session.Status)
	still, err := f.svc.GetSession(f.ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusUpcoming, still.Status)
}

// =============================================================================
// COMPLETION, CANCELLATION, FEEDBACK
// =============================================================================

func TestComplete_CreditsExpertFeeOnce(t *testing.T) {
	// GIVEN: fee 500, platform fee 100, booked session
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")

	// WHEN
	done := f.completedSession("exp-1", "stu-1", "10:00")

	// THEN: expert is owed the fee, not the total
	out := f.outstanding("exp-1")
	assert.True(t, dec(500).Equal(out.Sessions))
	assert.True(t, dec(500).Equal(out.Total))
	assert.True(t, out.Balanced())
	require.NotNil(t, done.Notes)
	assert.Equal(t, "notes", done.Notes.Text)

	// Completing again is rejected and does not double-credit
	_, err := f.svc.Complete(f.ctx, expertActor("exp-1"), marketplace.CompleteInput{SessionID: done.ID})
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)
	assert.True(t, dec(500).Equal(f.outstanding("exp-1").Total))
}

func TestComplete_RequiresUpcoming(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")

	_, err := f.svc.Complete(f.ctx, expertActor("exp-1"), marketplace.CompleteInput{SessionID: slot.ID})
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)

	_, err = f.svc.Complete(f.ctx, expertActor("exp-2"), marketplace.CompleteInput{SessionID: slot.ID})
	assert.ErrorIs(t, err, marketplace.ErrForbidden)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	_, err := f.book("stu-1", slot.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(f.ctx, expertActor("exp-1"), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(f.ctx, expertActor("exp-1"), slot.ID)
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)

	_, err = f.svc.Complete(f.ctx, expertActor("exp-1"), marketplace.CompleteInput{SessionID: slot.ID})
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)

	f.svc.Dispatcher.Wait()
	assert.Contains(t, f.notifier.templates(), "session_cancelled")
	assert.True(t, f.outstanding("exp-1").Total.IsZero())
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	f.student("stu-2")
	done := f.completedSession("exp-1", "stu-1", "10:00")
	good := marketplace.FeedbackInput{Rating: 4, Heading: "Useful", Description: "Clear advice"}

	_, err := f.svc.SubmitFeedback(f.ctx, studentActor("stu-2"), done.ID, good)
	assert.ErrorIs(t, err, marketplace.ErrForbidden)

	_, err = f.svc.SubmitFeedback(f.ctx, studentActor("stu-1"), done.ID, marketplace.FeedbackInput{Rating: 6, Heading: "h", Description: "d"})
	assert.ErrorIs(t, err, marketplace.ErrValidation)

	session, err := f.svc.SubmitFeedback(f.ctx, studentActor("stu-1"), done.ID, good)
	require.NoError(t, err)
	require.NotNil(t, session.Feedback)
	assert.Equal(t, 4, session.Feedback.Rating)

	_, err = f.svc.SubmitFeedback(f.ctx, studentActor("stu-1"), done.ID, good)
	assert.ErrorIs(t, err, marketplace.ErrDuplicateFeedback)

	expert, err := f.svc.GetExpert(f.ctx, "exp-1")
	require.NoError(t, err)
	stats := expert.Feedback[marketplace.CategorySessions]
	assert.Equal(t, 1, stats.Count)
	assert.True(t, dec(4).Equal(stats.Average()))
}

func TestSubmitFeedback_RequiresCompleted(t *testing.T) {
	f := newFixture(t)
	f.expert("exp-1", 500, 100)
	f.student("stu-1")
	slot := f.slot("exp-1", "2026-03-10", "10:00", "11:00")
	_, err := f.book("stu-1", slot.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitFeedback(f.ctx, studentActor("stu-1"), slot.ID, marketplace.FeedbackInput{Rating: 5, Heading: "h", Description: "d"})
	assert.ErrorIs(t, err, marketplace.ErrInvalidState)
}

func TestParseSessionStatus_NormalizesLegacySpelling(t *testing.T) {
	status, ok := marketplace.ParseSessionStatus("conpleted")
	assert.True(t, ok)
	assert.Equal(t, marketplace.StatusCompleted, status)

	_, ok = marketplace.ParseSessionStatus("archived")
	assert.False(t, ok)
}
