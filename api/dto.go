/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract. Request types carry validator tags for
  shape checks (required fields, formats, enums); business rules stay in the
  marketplace package.

NAMING CONVENTION:
  - *Request: request bodies
  - *DTO:     response bodies

MONEY:
  Amounts are decimals encoded as JSON strings ("500.00"). Requests accept
  either strings or numbers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/mentor-marketplace/marketplace"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateExpertRequest struct {
	ID    string `json:"id" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
}

type CreateStudentRequest struct {
	ID    string `json:"id" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
}

type SetPricingRequest struct {
	ExpertFee   decimal.Decimal `json:"expert_fee"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	Currency    string          `json:"currency" validate:"required,len=3,alpha"`
}

type CreateSlotRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime   string `json:"end_time" validate:"required,datetime=15:04"`
}

type UpdateSlotRequest struct {
	Date      *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	StartTime *string `json:"start_time" validate:"omitempty,datetime=15:04"`
	EndTime   *string `json:"end_time" validate:"omitempty,datetime=15:04"`
}

type BookRequest struct {
	Title   string `json:"title" validate:"required,max=200"`
	OrderID string `json:"order_id" validate:"required"`
}

type CompleteRequest struct {
	Notes string   `json:"notes"`
	Files []string `json:"files" validate:"omitempty,dive,required"`
}

type FeedbackRequest struct {
	Rating      int    `json:"rating" validate:"required,min=1,max=5"`
	Heading     string `json:"heading" validate:"required,max=200"`
	Description string `json:"description" validate:"required"`
}

type RefundRequestBody struct {
	Reason         string   `json:"reason" validate:"required"`
	SupportingDocs []string `json:"supporting_docs" validate:"omitempty,dive,required"`
}

type RefundDecisionRequest struct {
	Message string `json:"message"`
}

type CreateOfferingRequest struct {
	Kind            string          `json:"kind" validate:"required,oneof=course cohort"`
	Title           string          `json:"title" validate:"required,max=200"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency" validate:"required,len=3,alpha"`
	MaxParticipants int             `json:"max_participants" validate:"min=0"`
}

type OfferingStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending approved rejected"`
}

type PurchaseRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

type CreateOrderRequest struct {
	Purpose     string `json:"purpose" validate:"required,oneof=session course cohort"`
	ReferenceID string `json:"reference_id" validate:"required"`
}

// VerifyPaymentRequest is the provider callback payload relayed by the client.
type VerifyPaymentRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
	Signature string `json:"signature" validate:"required,hexadecimal"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ExpertDTO struct {
	ID             string                                             `json:"id"`
	Name           string                                             `json:"name"`
	Email          string                                             `json:"email"`
	SessionPricing *marketplace.SessionPricing                        `json:"session_pricing,omitempty"`
	Outstanding    *marketplace.OutstandingAmount                     `json:"outstanding_amount,omitempty"`
	Feedback       map[marketplace.Category]marketplace.FeedbackStats `json:"feedback_stats,omitempty"`
	CreatedAt      time.Time                                          `json:"created_at"`
}

func toExpertDTO(e *marketplace.Expert) ExpertDTO {
	return ExpertDTO{
		ID:             string(e.ID),
		Name:           e.Name,
		Email:          e.Email,
		SessionPricing: e.SessionPricing,
		Outstanding:    &e.Outstanding,
		Feedback:       e.Feedback,
		CreatedAt:      e.CreatedAt,
	}
}

type StudentDTO struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	PurchasedCourses []string  `json:"purchased_courses"`
	PurchasedCohorts []string  `json:"purchased_cohorts"`
	CreatedAt        time.Time `json:"created_at"`
}

func toStudentDTO(s *marketplace.Student) StudentDTO {
	return StudentDTO{
		ID:               string(s.ID),
		Name:             s.Name,
		Email:            s.Email,
		PurchasedCourses: offeringIDs(s.PurchasedCourses),
		PurchasedCohorts: offeringIDs(s.PurchasedCohorts),
		CreatedAt:        s.CreatedAt,
	}
}

type SessionDTO struct {
	ID              string                       `json:"id"`
	ExpertID        string                       `json:"expert_id"`
	BookedBy        string                       `json:"booked_by,omitempty"`
	Title           string                       `json:"title,omitempty"`
	Date            string                       `json:"date"`
	StartTime       string                       `json:"start_time"`
	EndTime         string                       `json:"end_time"`
	Pricing         marketplace.Pricing          `json:"pricing"`
	BookedStatus    bool                         `json:"booked_status"`
	PaymentStatus   string                       `json:"payment_status"`
	Status          string                       `json:"status"`
	MeetLink        string                       `json:"meet_link,omitempty"`
	Notes           *marketplace.Notes           `json:"notes,omitempty"`
	Feedback        *marketplace.SessionFeedback `json:"feedback,omitempty"`
	RefundRequest   *marketplace.RefundRequest   `json:"refund_request,omitempty"`
	RefundProcessed bool                         `json:"refund_processed"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

func toSessionDTO(s *marketplace.Session) SessionDTO {
	dto := SessionDTO{
		ID:              string(s.ID),
		ExpertID:        string(s.ExpertID),
		Title:           s.Title,
		Date:            s.Date,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Pricing:         s.Pricing,
		BookedStatus:    s.BookedStatus,
		PaymentStatus:   string(s.PaymentStatus),
		Status:          string(s.Status),
		MeetLink:        s.MeetLink,
		Notes:           s.Notes,
		Feedback:        s.Feedback,
		RefundRequest:   s.RefundRequest,
		RefundProcessed: s.RefundProcessed,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.BookedBy != nil {
		dto.BookedBy = string(*s.BookedBy)
	}
	return dto
}

func toSessionDTOs(sessions []*marketplace.Session) []SessionDTO {
	out := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionDTO(s)
	}
	return out
}

type OfferingDTO struct {
	ID              string                         `json:"id"`
	Kind            string                         `json:"kind"`
	ExpertID        string                         `json:"expert_id"`
	Title           string                         `json:"title"`
	Price           decimal.Decimal                `json:"price"`
	Currency        string                         `json:"currency"`
	Status          string                         `json:"status"`
	MaxParticipants int                            `json:"max_participants,omitempty"`
	Participants    int                            `json:"participants"`
	Feedback        []marketplace.OfferingFeedback `json:"feedback"`
	CreatedAt       time.Time                      `json:"created_at"`
}

func toOfferingDTO(o *marketplace.Offering) OfferingDTO {
	feedback := o.Feedback
	if feedback == nil {
		feedback = []marketplace.OfferingFeedback{}
	}
	return OfferingDTO{
		ID:              string(o.ID),
		Kind:            string(o.Kind),
		ExpertID:        string(o.ExpertID),
		Title:           o.Title,
		Price:           o.Price,
		Currency:        o.Currency,
		Status:          string(o.Status),
		MaxParticipants: o.MaxParticipants,
		Participants:    len(o.PurchasedBy),
		Feedback:        feedback,
		CreatedAt:       o.CreatedAt,
	}
}

// OrderDTO never exposes the stored signature.
type OrderDTO struct {
	ID              string     `json:"id"`
	ProviderOrderID string     `json:"provider_order_id"`
	CheckoutHandle  string     `json:"checkout_handle,omitempty"`
	AmountMinor     int64      `json:"amount_minor"`
	Currency        string     `json:"currency"`
	Purpose         string     `json:"purpose"`
	ReferenceID     string     `json:"reference_id"`
	Status          string     `json:"status"`
	IsVerified      bool       `json:"is_verified"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toOrderDTO(o *marketplace.PaymentOrder) OrderDTO {
	return OrderDTO{
		ID:              string(o.ID),
		ProviderOrderID: o.ProviderOrderID,
		CheckoutHandle:  o.ProviderHandle,
		AmountMinor:     o.AmountMinor,
		Currency:        o.Currency,
		Purpose:         string(o.Purpose),
		ReferenceID:     o.ReferenceID,
		Status:          string(o.Status),
		IsVerified:      o.IsVerified,
		VerifiedAt:      o.VerifiedAt,
		CreatedAt:       o.CreatedAt,
	}
}

type LedgerEntryDTO struct {
	ID          string          `json:"id"`
	Category    string          `json:"category,omitempty"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Applied     decimal.Decimal `json:"applied"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Reason      string          `json:"reason"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type LedgerDTO struct {
	ExpertID    string                        `json:"expert_id"`
	Outstanding marketplace.OutstandingAmount `json:"outstanding_amount"`
	Entries     []LedgerEntryDTO              `json:"entries"`
}

func toLedgerDTO(v *marketplace.LedgerView) LedgerDTO {
	entries := make([]LedgerEntryDTO, len(v.Entries))
	for i, e := range v.Entries {
		entries[i] = LedgerEntryDTO{
			ID:          string(e.ID),
			Category:    string(e.Category),
			Type:        string(e.Type),
			Amount:      e.Amount,
			Applied:     e.Applied,
			ReferenceID: e.ReferenceID,
			Reason:      e.Reason,
			CreatedBy:   e.CreatedBy,
			CreatedAt:   e.CreatedAt,
		}
	}
	return LedgerDTO{ExpertID: string(v.ExpertID), Outstanding: v.Outstanding, Entries: entries}
}

func offeringIDs(ids []marketplace.OfferingID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
