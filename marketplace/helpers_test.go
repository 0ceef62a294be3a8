package marketplace_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-marketplace/marketplace"
	"github.com/warp/mentor-marketplace/marketplace/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testSecret = "test-payment-secret"

var (
	testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	adminActor = marketplace.Actor{ID: "admin-1", Role: marketplace.RoleAdmin}
)

func expertActor(id marketplace.ExpertID) marketplace.Actor {
	return marketplace.Actor{ID: string(id), Role: marketplace.RoleExpert}
}

func studentActor(id marketplace.StudentID) marketplace.Actor {
	return marketplace.Actor{ID: string(id), Role: marketplace.RoleStudent}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// fakeCalendar returns a fresh link per event unless told to fail or block.
type fakeCalendar struct {
	mu      sync.Mutex
	calls   int
	err     error
	noLink  bool
	block   chan struct{}
	onEvent func()
}

func (c *fakeCalendar) CreateEvent(ctx context.Context, ev marketplace.CalendarEvent) (marketplace.CalendarResult, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	block, onEvent, err, noLink := c.block, c.onEvent, c.err, c.noLink
	c.mu.Unlock()

	if onEvent != nil {
		onEvent()
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return marketplace.CalendarResult{}, err
	}
	if noLink {
		return marketplace.CalendarResult{EventID: "ev"}, nil
	}
	return marketplace.CalendarResult{
		EventID:     fmt.Sprintf("ev-%d", n),
		MeetingLink: fmt.Sprintf("https://meet.test/%d", n),
	}, nil
}

// fakeOrders hands out sequential provider order ids.
type fakeOrders struct {
	seq atomic.Int64
	err error
}

func (o *fakeOrders) CreateOrder(_ context.Context, amountMinor int64, currency, receipt string) (marketplace.ProviderOrder, error) {
	if o.err != nil {
		return marketplace.ProviderOrder{}, o.err
	}
	id := fmt.Sprintf("prov_%d", o.seq.Add(1))
	return marketplace.ProviderOrder{OrderID: id, Handle: id}, nil
}

// recordingNotifier captures every notification; failFirst makes the first
// N sends fail.
type recordingNotifier struct {
	mu        sync.Mutex
	sent      []marketplace.Notification
	attempts  int
	failFirst int
}

func (n *recordingNotifier) Send(_ context.Context, msg marketplace.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.attempts <= n.failFirst {
		return fmt.Errorf("smtp unavailable")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Template
	}
	return out
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	svc      *marketplace.Service
	store    *store.TxMemory
	calendar *fakeCalendar
	orders   *fakeOrders
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewTxMemory(),
		calendar: &fakeCalendar{},
		orders:   &fakeOrders{},
		notifier: &recordingNotifier{},
	}
	f.svc = marketplace.NewService(f.store, marketplace.Options{
		Calendar:        f.calendar,
		Notifier:        f.notifier,
		Orders:          f.orders,
		PaymentSecret:   testSecret,
		CalendarTimeout: time.Second,
		AdminEmail:      "admin@example.com",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:           marketplace.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	f.svc.Now = func() time.Time { return testNow }
	return f
}

// expert registers an expert with approved pricing fee/platform.
func (f *fixture) expert(id marketplace.ExpertID, fee, platform int64) *marketplace.Expert {
	f.t.Helper()
	_, err := f.svc.RegisterExpert(f.ctx, marketplace.ExpertInput{ID: id, Name: "Expert " + string(id), Email: string(id) + "@example.com"})
	require.NoError(f.t, err)
	e, err := f.svc.SetSessionPricing(f.ctx, adminActor, id, marketplace.SessionPricing{
		ExpertFee: dec(fee), PlatformFee: dec(platform), Currency: "INR",
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) student(id marketplace.StudentID) *marketplace.Student {
	f.t.Helper()
	s, err := f.svc.RegisterStudent(f.ctx, marketplace.StudentInput{ID: id, Name: "Student " + string(id), Email: string(id) + "@example.com"})
	require.NoError(f.t, err)
	return s
}

func (f *fixture) slot(expertID marketplace.ExpertID, date, start, end string) *marketplace.Session {
	f.t.Helper()
	s, err := f.svc.CreateSlot(f.ctx, expertActor(expertID), expertID, marketplace.SlotInput{Date: date, StartTime: start, EndTime: end})
	require.NoError(f.t, err)
	return s
}

// paidOrder opens and verifies an order for the referenced item.
func (f *fixture) paidOrder(studentID marketplace.StudentID, purpose marketplace.OrderPurpose, ref string) *marketplace.PaymentOrder {
	f.t.Helper()
	order, err := f.svc.CreateOrder(f.ctx, studentActor(studentID), marketplace.OrderInput{Purpose: purpose, ReferenceID: ref})
	require.NoError(f.t, err)
	paymentID := "pay_" + string(order.ID)
	verified, err := f.svc.VerifyPayment(f.ctx, marketplace.VerifyInput{
		ProviderOrderID: order.ProviderOrderID,
		PaymentID:       paymentID,
		Signature:       marketplace.Sign(order.ProviderOrderID+"|"+paymentID, testSecret),
	})
	require.NoError(f.t, err)
	return verified
}

func (f *fixture) book(studentID marketplace.StudentID, sessionID marketplace.SessionID) (*marketplace.Session, error) {
	order := f.paidOrder(studentID, marketplace.PurposeSession, string(sessionID))
	return f.svc.Book(f.ctx, studentActor(studentID), marketplace.BookInput{
		SessionID: sessionID, Title: "Mock interview", OrderID: order.ID,
	})
}

// completedSession books and completes a fresh slot.
func (f *fixture) completedSession(expertID marketplace.ExpertID, studentID marketplace.StudentID, start string) *marketplace.Session {
	f.t.Helper()
	slot := f.slot(expertID, "2026-03-10", start, start[:2]+":45")
	_, err := f.book(studentID, slot.ID)
	require.NoError(f.t, err)
	done, err := f.svc.Complete(f.ctx, expertActor(expertID), marketplace.CompleteInput{SessionID: slot.ID, NotesText: "notes"})
	require.NoError(f.t, err)
	return done
}

func (f *fixture) outstanding(id marketplace.ExpertID) marketplace.OutstandingAmount {
	f.t.Helper()
	e, err := f.svc.GetExpert(f.ctx, id)
	require.NoError(f.t, err)
	return e.Outstanding
}
