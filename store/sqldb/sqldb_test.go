package sqldb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-marketplace/marketplace"
)

var created = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedExpert(t *testing.T, s *Store) *marketplace.Expert {
	t.Helper()
	e := &marketplace.Expert{
		ID: "exp-1", Name: "Ada", Email: "ada@example.com",
		SessionPricing: &marketplace.SessionPricing{ExpertFee: decimal.NewFromInt(500), PlatformFee: decimal.NewFromInt(100), Currency: "INR"},
		CreatedAt:      created, UpdatedAt: created,
	}
	require.NoError(t, s.SaveExpert(context.Background(), e))
	return e
}

func slot(id marketplace.SessionID, start string) *marketplace.Session {
	return &marketplace.Session{
		ID: id, ExpertID: "exp-1", Date: "2026-03-10", StartTime: start, EndTime: "23:00",
		Pricing:       marketplace.Pricing{ExpertFee: decimal.NewFromInt(500), PlatformFee: decimal.NewFromInt(100), Currency: "INR"},
		PaymentStatus: marketplace.PaymentPending,
		Status:        marketplace.StatusNotBooked,
		CreatedAt:     created, UpdatedAt: created,
	}
}

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    Driver
		wantErr bool
	}{
		{"sqlite", SQLite, false},
		{"SQLite3", SQLite, false},
		{"postgres", Postgres, false},
		{" postgresql ", Postgres, false},
		{"pgx", Postgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDriver(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &conn{driver: Postgres}
	lite := &conn{driver: SQLite}
	q := `UPDATE t SET a = ? WHERE id = ? AND version = ?`

	assert.Equal(t, `UPDATE t SET a = $1 WHERE id = $2 AND version = $3`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestExpert_RoundTripAndCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := seedExpert(t, s)
	assert.Equal(t, int64(1), e.Version)

	got, err := s.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, got.SessionPricing)
	assert.True(t, decimal.NewFromInt(500).Equal(got.SessionPricing.ExpertFee))
	assert.True(t, got.Outstanding.Total.IsZero())
	assert.Equal(t, created, got.CreatedAt)

	// Two writers from the same version: the second is stale
	stale, err := s.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	require.NoError(t, got.Outstanding.Credit(marketplace.CategorySessions, decimal.RequireFromString("499.50")))
	require.NoError(t, s.SaveExpert(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	err = s.SaveExpert(ctx, stale)
	assert.ErrorIs(t, err, marketplace.ErrConcurrentModification)

	again, err := s.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "499.5", again.Outstanding.Sessions.String())
	assert.True(t, again.Outstanding.Balanced())

	_, err = s.GetExpert(ctx, "ghost")
	assert.True(t, marketplace.IsNotFound(err))

	err = s.SaveExpert(ctx, &marketplace.Expert{ID: "exp-1", Name: "dup", Email: "d@example.com"})
	assert.ErrorIs(t, err, marketplace.ErrConflict)
}

func TestSession_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedExpert(t, s)

	in := slot("s-1", "10:00")
	require.NoError(t, s.SaveSession(ctx, in))

	sid := marketplace.StudentID("stu-1")
	started := created.Add(time.Minute)
	in.BookedBy, in.BookedStatus, in.Status = &sid, true, marketplace.StatusPendingBooking
	in.BookingStartedAt = &started
	in.RefundRequest = &marketplace.RefundRequest{IsRequested: true, Reason: "r", Status: marketplace.RefundPending, RequestDate: created}
	require.NoError(t, s.SaveSession(ctx, in))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, got.IsBookedBy("stu-1"))
	assert.Equal(t, marketplace.StatusPendingBooking, got.Status)
	require.NotNil(t, got.BookingStartedAt)
	assert.True(t, started.Equal(*got.BookingStartedAt))
	require.NotNil(t, got.RefundRequest)
	assert.Equal(t, "r", got.RefundRequest.Reason)
	assert.True(t, decimal.NewFromInt(600).Equal(got.Pricing.Total))
	assert.Nil(t, got.Notes)
	assert.Equal(t, int64(2), got.Version)

	pending, err := s.ListSessions(ctx, marketplace.SessionFilter{Status: marketplace.StatusPendingBooking})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	mine, err := s.ListSessions(ctx, marketplace.SessionFilter{StudentID: "stu-2"})
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestSession_SlotUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedExpert(t, s)
	require.NoError(t, s.SaveSession(ctx, slot("s-1", "10:00")))
	other := slot("s-2", "12:00")
	require.NoError(t, s.SaveSession(ctx, other))

	// Insert on a taken slot
	err := s.SaveSession(ctx, slot("s-3", "10:00"))
	assert.ErrorIs(t, err, marketplace.ErrSlotExists)

	// Update onto a taken slot
	other.StartTime = "10:00"
	err = s.SaveSession(ctx, other)
	assert.ErrorIs(t, err, marketplace.ErrSlotExists)

	found, err := s.FindSlot(ctx, "exp-1", "2026-03-10", "10:00", "23:00")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, marketplace.SessionID("s-1"), found.ID)

	none, err := s.FindSlot(ctx, "exp-1", "2026-03-11", "10:00", "23:00")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSession_LegacyCompletedSpelling(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedExpert(t, s)
	require.NoError(t, s.SaveSession(ctx, slot("s-1", "10:00")))
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = 'conpleted' WHERE id = 's-1'`)
	require.NoError(t, err)

	// Read path normalizes
	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusCompleted, got.Status)

	// Migration rewrites the row
	require.NoError(t, s.migrate(ctx))
	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = 's-1'`).Scan(&raw))
	assert.Equal(t, "completed", raw)
}

func TestOrder_ProviderLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := &marketplace.PaymentOrder{
		ID: "o-1", ProviderOrderID: "prov_1", AmountMinor: 60000, Currency: "INR",
		Purpose: marketplace.PurposeSession, ReferenceID: "s-1", StudentID: "stu-1",
		Status: marketplace.OrderCreated, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrderByProviderID(ctx, "prov_1")
	require.NoError(t, err)
	assert.Equal(t, marketplace.OrderID("o-1"), got.ID)
	assert.Equal(t, int64(60000), got.AmountMinor)
	assert.Nil(t, got.VerifiedAt)

	now := created.Add(time.Hour)
	got.IsVerified, got.Status, got.PaymentID, got.VerifiedAt = true, marketplace.OrderVerified, "pay_1", &now
	require.NoError(t, s.SaveOrder(ctx, got))

	verified, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	require.NotNil(t, verified.VerifiedAt)
	assert.True(t, now.Equal(*verified.VerifiedAt))

	dup := *o
	dup.ID, dup.Version = "o-2", 0
	assert.ErrorIs(t, s.SaveOrder(ctx, &dup), marketplace.ErrConflict)
}

func TestLedger_IdempotencyAndRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedExpert(t, s)
	entry := marketplace.LedgerEntry{
		ID: "e-1", ExpertID: "exp-1", Category: marketplace.CategorySessions, Type: marketplace.EntryCredit,
		Amount: decimal.NewFromInt(500), Applied: decimal.NewFromInt(500),
		IdempotencyKey: "session:s-1:completion-credit", CreatedAt: created,
	}
	require.NoError(t, s.AppendLedgerEntry(ctx, entry))

	entry.ID = "e-2"
	assert.ErrorIs(t, s.AppendLedgerEntry(ctx, entry), marketplace.ErrDuplicateIdempotencyKey)

	// A failed transaction leaves nothing behind
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(st marketplace.Store) error {
		if err := st.AppendLedgerEntry(ctx, marketplace.LedgerEntry{
			ID: "e-3", ExpertID: "exp-1", Type: marketplace.EntryClear,
			Amount: decimal.Zero, Applied: decimal.Zero, CreatedAt: created,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := s.ListLedgerEntries(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session:s-1:completion-credit", entries[0].IdempotencyKey)
	assert.True(t, decimal.NewFromInt(500).Equal(entries[0].Applied))
}

func TestService_CompletionAndRefundOnSQLite(t *testing.T) {
	// GIVEN: the engine running on SQLite
	ctx := context.Background()
	s := newTestStore(t)
	svc := marketplace.NewService(s, marketplace.Options{
		Calendar:      staticCalendar{},
		Orders:        orderCounter{},
		PaymentSecret: "secret",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	admin := marketplace.Actor{ID: "admin", Role: marketplace.RoleAdmin}
	expert := marketplace.Actor{ID: "exp-1", Role: marketplace.RoleExpert}
	student := marketplace.Actor{ID: "stu-1", Role: marketplace.RoleStudent}

	_, err := svc.RegisterExpert(ctx, marketplace.ExpertInput{ID: "exp-1", Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	_, err = svc.RegisterStudent(ctx, marketplace.StudentInput{ID: "stu-1", Name: "Bo", Email: "bo@example.com"})
	require.NoError(t, err)
	_, err = svc.SetSessionPricing(ctx, admin, "exp-1", marketplace.SessionPricing{
		ExpertFee: decimal.NewFromInt(500), PlatformFee: decimal.NewFromInt(100), Currency: "INR",
	})
	require.NoError(t, err)
	session, err := svc.CreateSlot(ctx, expert, "exp-1", marketplace.SlotInput{Date: "2026-03-10", StartTime: "10:00", EndTime: "11:00"})
	require.NoError(t, err)

	order, err := svc.CreateOrder(ctx, student, marketplace.OrderInput{Purpose: marketplace.PurposeSession, ReferenceID: string(session.ID)})
	require.NoError(t, err)
	_, err = svc.VerifyPayment(ctx, marketplace.VerifyInput{
		ProviderOrderID: order.ProviderOrderID, PaymentID: "pay_1",
		Signature: marketplace.Sign(order.ProviderOrderID+"|pay_1", "secret"),
	})
	require.NoError(t, err)

	// WHEN: book, complete, then refund
	_, err = svc.Book(ctx, student, marketplace.BookInput{SessionID: session.ID, Title: "Review", OrderID: order.ID})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, expert, marketplace.CompleteInput{SessionID: session.ID, NotesText: "done"})
	require.NoError(t, err)

	credited, err := svc.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(credited.Outstanding.Total))

	_, err = svc.RequestRefund(ctx, student, marketplace.RefundInput{SessionID: session.ID, Reason: "late"})
	require.NoError(t, err)
	_, err = svc.ApproveRefund(ctx, admin, session.ID, "ok")
	require.NoError(t, err)
	svc.Dispatcher.Wait()

	// THEN
	settled, err := svc.GetLedger(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, settled.Outstanding.Total.IsZero())
	assert.Len(t, settled.Entries, 2)
}

type staticCalendar struct{}

func (staticCalendar) CreateEvent(_ context.Context, ev marketplace.CalendarEvent) (marketplace.CalendarResult, error) {
	return marketplace.CalendarResult{EventID: "ev-1", MeetingLink: "https://meet.test/ev-1"}, nil
}

type orderCounter struct{}

func (orderCounter) CreateOrder(_ context.Context, _ int64, _, receipt string) (marketplace.ProviderOrder, error) {
	return marketplace.ProviderOrder{OrderID: "prov_" + receipt, Handle: receipt}, nil
}
