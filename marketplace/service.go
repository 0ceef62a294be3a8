/*
service.go - Service wiring for the booking-and-settlement engine

PURPOSE:
  Service holds every dependency the state machines need and exposes the
  operations the route layer calls:

    Accounts:  RegisterExpert, RegisterStudent, SetSessionPricing, ClearLedger
    Sessions:  CreateSlot, UpdateSlot, Book, Complete, Cancel, SubmitFeedback
    Refunds:   RequestRefund, ApproveRefund, RejectRefund, MarkRefundProcessed
    Purchases: CreateOffering, SetOfferingStatus, Purchase, SubmitOfferingFeedback
    Payments:  CreateOrder, VerifyPayment

CONCURRENCY:
  Each operation takes per-entity locks (Locker) in a fixed order
  (session|offering -> student -> order -> expert), then runs its reads and
  writes inside one Store.WithTx. Stores additionally reject stale Versions.
  External calls (calendar, notifications) never run while a lock is held.

USAGE:
  svc := marketplace.NewService(store, marketplace.Options{
      Calendar: cal, Notifier: notifier, Orders: orders,
      PaymentSecret: secret,
  })
*/
package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options configures a Service. Zero values get sensible defaults.
type Options struct {
	Locker          Locker
	Calendar        Calendar
	Notifier        Notifier
	Orders          OrderCreator
	Verifier        SignatureVerifier
	PaymentSecret   string
	CalendarTimeout time.Duration
	Location        *time.Location
	AdminEmail      string
	Logger          *slog.Logger
	Retry           RetryPolicy
}

type Service struct {
	Store      TxStore
	Locker     Locker
	Calendar   Calendar
	Orders     OrderCreator
	Verifier   SignatureVerifier
	Dispatcher *Dispatcher

	PaymentSecret   string
	CalendarTimeout time.Duration
	Location        *time.Location
	AdminEmail      string
	Logger          *slog.Logger

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

func NewService(store TxStore, opts Options) *Service {
	s := &Service{
		Store:           store,
		Locker:          opts.Locker,
		Calendar:        opts.Calendar,
		Orders:          opts.Orders,
		Verifier:        opts.Verifier,
		PaymentSecret:   opts.PaymentSecret,
		CalendarTimeout: opts.CalendarTimeout,
		Location:        opts.Location,
		AdminEmail:      opts.AdminEmail,
		Logger:          opts.Logger,
	}
	if s.Locker == nil {
		s.Locker = NewKeyedMutex()
	}
	if s.Verifier == nil {
		s.Verifier = HMACSHA256Verifier{}
	}
	if s.CalendarTimeout <= 0 {
		s.CalendarTimeout = 10 * time.Second
	}
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Dispatcher = NewDispatcher(opts.Notifier, opts.Retry, s.Logger)
	return s
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// lock acquires the given keys in order and returns a single unlock.
func (s *Service) lock(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := s.Locker.Lock(ctx, k)
		if err != nil {
			release()
			return nil, fmt.Errorf("acquire lock %s: %w", k, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type ExpertInput struct {
	ID    ExpertID
	Name  string
	Email string
}

// RegisterExpert creates an expert with an empty ledger and no pricing.
func (s *Service) RegisterExpert(ctx context.Context, in ExpertInput) (*Expert, error) {
	if in.Name == "" || in.Email == "" {
		return nil, validationError("name and email are required")
	}
	if in.ID == "" {
		in.ID = ExpertID(s.newID())
	}
	now := s.now()
	expert := &Expert{
		ID:        in.ID,
		Name:      in.Name,
		Email:     in.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	expert.Outstanding.Clear()
	if err := s.Store.SaveExpert(ctx, expert); err != nil {
		return nil, err
	}
	return expert, nil
}

type StudentInput struct {
	ID    StudentID
	Name  string
	Email string
}

func (s *Service) RegisterStudent(ctx context.Context, in StudentInput) (*Student, error) {
	if in.Name == "" || in.Email == "" {
		return nil, validationError("name and email are required")
	}
	if in.ID == "" {
		in.ID = StudentID(s.newID())
	}
	now := s.now()
	student := &Student{ID: in.ID, Name: in.Name, Email: in.Email, CreatedAt: now, UpdatedAt: now}
	if err := s.Store.SaveStudent(ctx, student); err != nil {
		return nil, err
	}
	return student, nil
}

func (s *Service) GetExpert(ctx context.Context, id ExpertID) (*Expert, error) {
	return s.Store.GetExpert(ctx, id)
}

func (s *Service) GetStudent(ctx context.Context, id StudentID) (*Student, error) {
	return s.Store.GetStudent(ctx, id)
}

// SetSessionPricing finalizes an expert's session pricing (admin approval).
// Pricing can be set once; existing slots keep their snapshot either way.
func (s *Service) SetSessionPricing(ctx context.Context, actor Actor, expertID ExpertID, pricing SessionPricing) (*Expert, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("only admins can approve session pricing")
	}
	if pricing.ExpertFee.IsNegative() || pricing.PlatformFee.IsNegative() {
		return nil, validationError("fees must not be negative")
	}
	if pricing.Currency == "" {
		return nil, validationError("currency is required")
	}

	unlock, err := s.lock(ctx, expertKey(expertID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Expert
	err = s.Store.WithTx(ctx, func(st Store) error {
		expert, err := st.GetExpert(ctx, expertID)
		if err != nil {
			return err
		}
		if expert.SessionPricing != nil {
			return conflict(ErrPricingFinalized, "session pricing for expert %s is already finalized", expertID)
		}
		p := pricing
		expert.SessionPricing = &p
		expert.UpdatedAt = s.now()
		if err := st.SaveExpert(ctx, expert); err != nil {
			return err
		}
		out = expert
		return nil
	})
	return out, err
}
