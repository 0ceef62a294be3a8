/*
purchase.go - Course / cohort enrollment

PURPOSE:
  A course or cohort is sold at a fixed price. Unlike a session there is no
  calendar step and no intermediate state: one transaction enrolls the
  student, records the purchaser on the offering, consumes the verified
  payment order and credits the expert.

REVENUE RECOGNITION:
  Offerings are credited at purchase (courses -> courses bucket, cohorts ->
  cohorts bucket); content access is delivery.

MODERATION:
  Offerings start pending. Only approved offerings can be purchased; that is
  the only effect moderation has on this engine.
*/
package marketplace

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OFFERING MANAGEMENT
// =============================================================================

type OfferingInput struct {
	Kind            OfferingKind
	Title           string
	Price           decimal.Decimal
	Currency        string
	MaxParticipants int
}

func (in OfferingInput) validate() error {
	if in.Kind != OfferingCourse && in.Kind != OfferingCohort {
		return validationError("kind must be course or cohort")
	}
	if in.Title == "" || in.Currency == "" {
		return validationError("title and currency are required")
	}
	if !in.Price.IsPositive() {
		return validationError("price must be positive")
	}
	if in.MaxParticipants < 0 {
		return validationError("max participants must not be negative")
	}
	if in.Kind == OfferingCourse && in.MaxParticipants != 0 {
		return validationError("courses have no participant limit")
	}
	return nil
}

// CreateOffering creates a course or cohort awaiting admin approval.
func (s *Service) CreateOffering(ctx context.Context, actor Actor, expertID ExpertID, in OfferingInput) (*Offering, error) {
	if !canManageExpert(actor, expertID) {
		return nil, forbidden("cannot create offerings for expert %s", expertID)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetExpert(ctx, expertID); err != nil {
		return nil, err
	}

	now := s.now()
	offering := &Offering{
		ID:              OfferingID(s.newID()),
		Kind:            in.Kind,
		ExpertID:        expertID,
		Title:           in.Title,
		Price:           in.Price,
		Currency:        in.Currency,
		Status:          OfferingPending,
		MaxParticipants: in.MaxParticipants,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.SaveOffering(ctx, offering); err != nil {
		return nil, err
	}
	return offering, nil
}

// SetOfferingStatus is the admin moderation decision on an offering.
func (s *Service) SetOfferingStatus(ctx context.Context, actor Actor, id OfferingID, status OfferingStatus) (*Offering, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("only admins can moderate offerings")
	}
	switch status {
	case OfferingPending, OfferingApproved, OfferingRejected:
	default:
		return nil, validationError("unknown offering status %q", status)
	}

	unlock, err := s.lock(ctx, offeringKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Offering
	err = s.Store.WithTx(ctx, func(st Store) error {
		offering, err := st.GetOffering(ctx, id)
		if err != nil {
			return err
		}
		offering.Status = status
		offering.UpdatedAt = s.now()
		if err := st.SaveOffering(ctx, offering); err != nil {
			return err
		}
		out = offering
		return nil
	})
	return out, err
}

func (s *Service) GetOffering(ctx context.Context, id OfferingID) (*Offering, error) {
	return s.Store.GetOffering(ctx, id)
}

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseInput struct {
	OfferingID OfferingID
	OrderID    OrderID
}

// Purchase enrolls the calling student in a course or cohort.
func (s *Service) Purchase(ctx context.Context, actor Actor, in PurchaseInput) (*Offering, error) {
	if actor.Role != RoleStudent || actor.ID == "" {
		return nil, forbidden("only students can purchase")
	}
	if in.OfferingID == "" || in.OrderID == "" {
		return nil, validationError("offering_id and order_id are required")
	}
	studentID := StudentID(actor.ID)

	current, err := s.Store.GetOffering(ctx, in.OfferingID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx,
		offeringKey(in.OfferingID), studentKey(studentID), orderKey(in.OrderID), expertKey(current.ExpertID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		out     *Offering
		student *Student
		expert  *Expert
	)
	err = s.Store.WithTx(ctx, func(st Store) error {
		offering, err := st.GetOffering(ctx, in.OfferingID)
		if err != nil {
			return err
		}
		if offering.Status != OfferingApproved {
			return invalidState("%s %s is not available for purchase (status %s)", offering.Kind, offering.ID, offering.Status)
		}
		if student, err = st.GetStudent(ctx, studentID); err != nil {
			return err
		}
		if student.HasPurchased(offering.Kind, offering.ID) || offering.HasPurchaser(studentID) {
			return conflict(ErrAlreadyPurchased, "%s %s already purchased", offering.Kind, offering.ID)
		}
		if offering.IsFull() {
			return newError(KindCapacity, "", "cohort %s is full (%d participants)", offering.ID, offering.MaxParticipants)
		}
		order, err := st.GetOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if err := checkOrder(order, studentID, purposeFor(offering.Kind), string(offering.ID), ToMinorUnits(offering.Price)); err != nil {
			return err
		}
		if expert, err = st.GetExpert(ctx, offering.ExpertID); err != nil {
			return err
		}

		now := s.now()
		if offering.Kind == OfferingCohort {
			student.PurchasedCohorts = append(student.PurchasedCohorts, offering.ID)
		} else {
			student.PurchasedCourses = append(student.PurchasedCourses, offering.ID)
		}
		student.UpdatedAt = now
		offering.PurchasedBy = append(offering.PurchasedBy, studentID)
		offering.UpdatedAt = now
		order.Status = OrderConsumed
		order.ConsumedBy = string(offering.Kind) + ":" + string(offering.ID)
		order.UpdatedAt = now

		if _, err := s.credit(ctx, st, expert, ledgerChange{
			Category:       offering.Kind.Category(),
			Amount:         offering.Price,
			ReferenceID:    string(offering.ID),
			Reason:         string(offering.Kind) + " purchased",
			IdempotencyKey: "offering:" + string(offering.ID) + ":student:" + string(studentID) + ":purchase-credit",
			Actor:          actor.ID,
		}); err != nil {
			return err
		}
		expert.UpdatedAt = now

		if err := st.SaveStudent(ctx, student); err != nil {
			return err
		}
		if err := st.SaveOffering(ctx, offering); err != nil {
			return err
		}
		if err := st.SaveOrder(ctx, order); err != nil {
			return err
		}
		if err := st.SaveExpert(ctx, expert); err != nil {
			return err
		}
		out = offering
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Dispatcher.Dispatch(
		Notification{
			To:       student.Email,
			Subject:  "Enrollment confirmed",
			Template: string(out.Kind) + "_purchased_student",
			Data: map[string]any{
				"student_name": student.Name,
				"title":        out.Title,
				"expert_name":  expert.Name,
			},
		},
		Notification{
			To:       expert.Email,
			Subject:  "New enrollment",
			Template: string(out.Kind) + "_purchased_expert",
			Data: map[string]any{
				"expert_name":  expert.Name,
				"student_name": student.Name,
				"title":        out.Title,
			},
		},
	)
	return out, nil
}

func purposeFor(kind OfferingKind) OrderPurpose {
	if kind == OfferingCohort {
		return PurposeCohort
	}
	return PurposeCourse
}

// =============================================================================
// FEEDBACK
// =============================================================================

// SubmitOfferingFeedback records one purchaser's feedback on an offering.
func (s *Service) SubmitOfferingFeedback(ctx context.Context, actor Actor, id OfferingID, in FeedbackInput) (*Offering, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	current, err := s.Store.GetOffering(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, offeringKey(id), expertKey(current.ExpertID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Offering
	err = s.Store.WithTx(ctx, func(st Store) error {
		offering, err := st.GetOffering(ctx, id)
		if err != nil {
			return err
		}
		studentID := StudentID(actor.ID)
		if actor.Role != RoleStudent || !offering.HasPurchaser(studentID) {
			return forbidden("only purchasers can leave feedback on %s %s", offering.Kind, id)
		}
		for _, fb := range offering.Feedback {
			if fb.User == studentID {
				return conflict(ErrDuplicateFeedback, "feedback already submitted for %s %s", offering.Kind, id)
			}
		}
		student, err := st.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		expert, err := st.GetExpert(ctx, offering.ExpertID)
		if err != nil {
			return err
		}

		now := s.now()
		offering.Feedback = append(offering.Feedback, OfferingFeedback{
			User:        studentID,
			Rating:      in.Rating,
			Detail:      FeedbackDetail{Heading: in.Heading, Description: in.Description},
			StudentName: student.Name,
			CreatedAt:   now,
		})
		offering.UpdatedAt = now
		expert.RecordFeedback(offering.Kind.Category(), in.Rating)
		expert.UpdatedAt = now

		if err := st.SaveOffering(ctx, offering); err != nil {
			return err
		}
		if err := st.SaveExpert(ctx, expert); err != nil {
			return err
		}
		out = offering
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
