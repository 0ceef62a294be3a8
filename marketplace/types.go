/*
Package marketplace provides the booking-and-settlement engine.

PURPOSE:
  This package owns the state machines and money rules of the expert
  marketplace: bookable session slots, their refund sub-workflow, course and
  cohort enrollment, payment verification, and the expert outstanding-balance
  ledger that ties them together. Route wiring, email templates, calendar and
  payment providers live outside and are consumed through small interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Expert / Student: the two account types that own money and purchases
  - Session: one bookable time slot owned by an expert
  - Offering: a course or cohort sold at a fixed price
  - PaymentOrder: audit record of one payment-provider order
  - LedgerEntry: append-only record of every outstanding-balance change

MONEY:
  All internal math uses decimal.Decimal. Amounts only become integers in the
  smallest currency unit (paise) at the payment-provider boundary, see
  ToMinorUnits.

SEE ALSO:
  - ledger.go:   credit/debit/clear on OutstandingAmount
  - session.go:  slot state machine and booking saga
  - refund.go:   refund sub-state-machine
  - purchase.go: course/cohort enrollment
  - payment.go:  order creation and signature verification
*/
package marketplace

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & ACTORS
// =============================================================================

type ExpertID string
type StudentID string
type SessionID string
type OfferingID string
type OrderID string

type Role string

const (
	RoleStudent Role = "student"
	RoleExpert  Role = "expert"
	RoleAdmin   Role = "admin"
)

// Actor is the authenticated caller of a state-changing operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// =============================================================================
// EXPERT
// =============================================================================

// Category segments the outstanding balance by product type.
type Category string

const (
	CategorySessions Category = "sessions"
	CategoryCourses  Category = "courses"
	CategoryCohorts  Category = "cohorts"
)

// SessionPricing is set once by admin approval and snapshotted into every slot.
type SessionPricing struct {
	ExpertFee   decimal.Decimal `json:"expert_fee"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	Currency    string          `json:"currency"`
}

// OutstandingAmount is money owed to an expert, pending payout.
//
// INVARIANTS:
//   - Total == Sessions + Courses + Cohorts
//   - every field >= 0
type OutstandingAmount struct {
	Sessions decimal.Decimal `json:"sessions"`
	Courses  decimal.Decimal `json:"courses"`
	Cohorts  decimal.Decimal `json:"cohorts"`
	Total    decimal.Decimal `json:"total"`
}

// FeedbackStats aggregates ratings for one category.
type FeedbackStats struct {
	Count int             `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

func (s FeedbackStats) Average() decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	return s.Sum.Div(decimal.NewFromInt(int64(s.Count))).Round(2)
}

type Expert struct {
	ID             ExpertID
	Name           string
	Email          string
	SessionPricing *SessionPricing
	Outstanding    OutstandingAmount
	Feedback       map[Category]FeedbackStats

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordFeedback folds one rating into the expert's aggregate statistics.
func (e *Expert) RecordFeedback(category Category, rating int) {
	if e.Feedback == nil {
		e.Feedback = make(map[Category]FeedbackStats)
	}
	stats := e.Feedback[category]
	stats.Count++
	stats.Sum = stats.Sum.Add(decimal.NewFromInt(int64(rating)))
	e.Feedback[category] = stats
}

func (e *Expert) Clone() *Expert {
	if e == nil {
		return nil
	}
	c := *e
	if e.SessionPricing != nil {
		p := *e.SessionPricing
		c.SessionPricing = &p
	}
	if e.Feedback != nil {
		c.Feedback = make(map[Category]FeedbackStats, len(e.Feedback))
		for k, v := range e.Feedback {
			c.Feedback[k] = v
		}
	}
	return &c
}

// =============================================================================
// STUDENT
// =============================================================================

type Student struct {
	ID               StudentID
	Name             string
	Email            string
	PurchasedCourses []OfferingID
	PurchasedCohorts []OfferingID

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Student) HasPurchased(kind OfferingKind, id OfferingID) bool {
	list := s.PurchasedCourses
	if kind == OfferingCohort {
		list = s.PurchasedCohorts
	}
	for _, p := range list {
		if p == id {
			return true
		}
	}
	return false
}

func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}
	c := *s
	c.PurchasedCourses = append([]OfferingID(nil), s.PurchasedCourses...)
	c.PurchasedCohorts = append([]OfferingID(nil), s.PurchasedCohorts...)
	return &c
}

// =============================================================================
// SESSION
// =============================================================================

type SessionStatus string

const (
	StatusNotBooked      SessionStatus = "not booked"
	StatusPendingBooking SessionStatus = "pending booking"
	StatusUpcoming       SessionStatus = "upcoming"
	StatusCompleted      SessionStatus = "completed"
	StatusCancelled      SessionStatus = "cancelled"
)

// legacyCompleted is a misspelling found in historical session rows.
const legacyCompleted = "conpleted"

// ParseSessionStatus converts a stored status string into a SessionStatus.
// The historical "conpleted" spelling maps to StatusCompleted.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StatusNotBooked):
		return StatusNotBooked, true
	case string(StatusPendingBooking):
		return StatusPendingBooking, true
	case string(StatusUpcoming):
		return StatusUpcoming, true
	case string(StatusCompleted), legacyCompleted:
		return StatusCompleted, true
	case string(StatusCancelled):
		return StatusCancelled, true
	}
	return "", false
}

func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Pricing is the per-slot price snapshot. Total is derived.
type Pricing struct {
	ExpertFee   decimal.Decimal `json:"expert_fee"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

// Normalized returns the pricing with Total recomputed from its parts.
func (p Pricing) Normalized() Pricing {
	p.Total = p.ExpertFee.Add(p.PlatformFee)
	return p
}

type Notes struct {
	Text       string    `json:"text"`
	Files      []string  `json:"files"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type FeedbackDetail struct {
	Heading     string `json:"heading"`
	Description string `json:"description"`
}

type SessionFeedback struct {
	Rating      int            `json:"rating"`
	Detail      FeedbackDetail `json:"detail"`
	StudentName string         `json:"student_name"`
	CreatedAt   time.Time      `json:"created_at"`
}

type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundApproved RefundStatus = "approved"
	RefundRejected RefundStatus = "rejected"
)

type RefundRequest struct {
	IsRequested    bool         `json:"is_requested"`
	Reason         string       `json:"reason"`
	RequestDate    time.Time    `json:"request_date"`
	SupportingDocs []string     `json:"supporting_docs"`
	Status         RefundStatus `json:"status"`
	AdminMessage   string       `json:"admin_message,omitempty"`
	DecidedAt      *time.Time   `json:"decided_at,omitempty"`
}

type Session struct {
	ID        SessionID
	ExpertID  ExpertID
	BookedBy  *StudentID
	Title     string
	Date      string // YYYY-MM-DD
	StartTime string // HH:MM
	EndTime   string // HH:MM

	Pricing       Pricing
	BookedStatus  bool
	PaymentStatus PaymentStatus
	Status        SessionStatus

	MeetLink         string
	EventID          string
	OrderID          OrderID
	BookingStartedAt *time.Time

	Notes           *Notes
	Feedback        *SessionFeedback
	RefundRequest   *RefundRequest
	RefundProcessed bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsBookedBy reports whether the given student holds this session.
func (s *Session) IsBookedBy(id string) bool {
	return s.BookedBy != nil && string(*s.BookedBy) == id
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.BookedBy != nil {
		b := *s.BookedBy
		c.BookedBy = &b
	}
	if s.BookingStartedAt != nil {
		t := *s.BookingStartedAt
		c.BookingStartedAt = &t
	}
	if s.Notes != nil {
		n := *s.Notes
		n.Files = append([]string(nil), s.Notes.Files...)
		c.Notes = &n
	}
	if s.Feedback != nil {
		f := *s.Feedback
		c.Feedback = &f
	}
	if s.RefundRequest != nil {
		r := *s.RefundRequest
		r.SupportingDocs = append([]string(nil), s.RefundRequest.SupportingDocs...)
		if s.RefundRequest.DecidedAt != nil {
			d := *s.RefundRequest.DecidedAt
			r.DecidedAt = &d
		}
		c.RefundRequest = &r
	}
	return &c
}

// =============================================================================
// OFFERING (course / cohort)
// =============================================================================

type OfferingKind string

const (
	OfferingCourse OfferingKind = "course"
	OfferingCohort OfferingKind = "cohort"
)

// Category returns the ledger bucket credited on purchase.
func (k OfferingKind) Category() Category {
	if k == OfferingCohort {
		return CategoryCohorts
	}
	return CategoryCourses
}

type OfferingStatus string

const (
	OfferingPending  OfferingStatus = "pending"
	OfferingApproved OfferingStatus = "approved"
	OfferingRejected OfferingStatus = "rejected"
)

type OfferingFeedback struct {
	User        StudentID      `json:"user"`
	Rating      int            `json:"rating"`
	Detail      FeedbackDetail `json:"detail"`
	StudentName string         `json:"student_name"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Offering struct {
	ID              OfferingID
	Kind            OfferingKind
	ExpertID        ExpertID
	Title           string
	Price           decimal.Decimal
	Currency        string
	Status          OfferingStatus
	MaxParticipants int // cohorts only; 0 means unlimited
	PurchasedBy     []StudentID
	Feedback        []OfferingFeedback

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Offering) HasPurchaser(id StudentID) bool {
	for _, p := range o.PurchasedBy {
		if p == id {
			return true
		}
	}
	return false
}

func (o *Offering) IsFull() bool {
	return o.Kind == OfferingCohort && o.MaxParticipants > 0 && len(o.PurchasedBy) >= o.MaxParticipants
}

func (o *Offering) Clone() *Offering {
	if o == nil {
		return nil
	}
	c := *o
	c.PurchasedBy = append([]StudentID(nil), o.PurchasedBy...)
	c.Feedback = append([]OfferingFeedback(nil), o.Feedback...)
	return &c
}

// =============================================================================
// PAYMENT ORDER - audit record, never the source of truth for booking state
// =============================================================================

type OrderPurpose string

const (
	PurposeSession OrderPurpose = "session"
	PurposeCourse  OrderPurpose = "course"
	PurposeCohort  OrderPurpose = "cohort"
)

type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderVerified  OrderStatus = "verified"
	OrderConsumed  OrderStatus = "consumed"
	OrderRefundDue OrderStatus = "refund_due"
)

type PaymentOrder struct {
	ID              OrderID
	ProviderOrderID string
	ProviderHandle  string
	AmountMinor     int64
	Currency        string
	Purpose         OrderPurpose
	ReferenceID     string
	StudentID       StudentID

	PaymentID  string
	Signature  string
	IsVerified bool
	Status     OrderStatus
	ConsumedBy string

	Version    int64
	CreatedAt  time.Time
	VerifiedAt *time.Time
	UpdatedAt  time.Time
}

func (o *PaymentOrder) Clone() *PaymentOrder {
	if o == nil {
		return nil
	}
	c := *o
	if o.VerifiedAt != nil {
		t := *o.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}

// ToMinorUnits converts a decimal amount to the smallest currency unit.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// =============================================================================
// LEDGER ENTRY - append-only record of outstanding-balance changes
// =============================================================================

type EntryID string

type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
	EntryClear  EntryType = "clear"
)

// LedgerEntry records one mutation of an expert's outstanding balance.
// Amount is what was asked for; Applied is what actually moved (a guarded
// debit can apply less than requested).
type LedgerEntry struct {
	ID             EntryID
	ExpertID       ExpertID
	Category       Category
	Type           EntryType
	Amount         decimal.Decimal
	Applied        decimal.Decimal
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}
