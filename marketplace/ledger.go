/*
ledger.go - Expert outstanding-balance ledger

PURPOSE:
  Tracks money owed to an expert, segmented by product type. The balance
  lives on the Expert row (OutstandingAmount) and every change to it is also
  appended to the LedgerEntry log inside the same store transaction.

CRITICAL INVARIANTS:
  1. Total == Sessions + Courses + Cohorts after every operation
  2. No field ever goes negative: Debit is always guarded and clamps at zero
  3. A session is credited at most once (completion) and debited at most
     once (refund); idempotency keys on LedgerEntry enforce this in storage

REVENUE RECOGNITION:
  Sessions are credited at completion, courses/cohorts at purchase. A session
  can still be cancelled before delivery; a course is delivered on purchase.

SEE ALSO:
  - session.go: credit on Complete
  - refund.go:  debit on ApproveRefund / MarkRefundProcessed
  - purchase.go: credit on Purchase
*/
package marketplace

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OUTSTANDING AMOUNT PRIMITIVES
// =============================================================================

func (o OutstandingAmount) bucket(c Category) decimal.Decimal {
	switch c {
	case CategorySessions:
		return o.Sessions
	case CategoryCourses:
		return o.Courses
	case CategoryCohorts:
		return o.Cohorts
	}
	return decimal.Zero
}

func (o *OutstandingAmount) setBucket(c Category, v decimal.Decimal) {
	switch c {
	case CategorySessions:
		o.Sessions = v
	case CategoryCourses:
		o.Courses = v
	case CategoryCohorts:
		o.Cohorts = v
	}
}

// Credit adds amount to the category and the total.
func (o *OutstandingAmount) Credit(c Category, amount decimal.Decimal) error {
	if !validCategory(c) {
		return validationError("unknown ledger category %q", c)
	}
	if amount.IsNegative() {
		return validationError("credit amount must not be negative")
	}
	o.setBucket(c, o.bucket(c).Add(amount))
	o.Total = o.Total.Add(amount)
	return nil
}

// Debit subtracts up to amount from the category and the total. When the
// category holds less than amount it is clamped at zero; the returned
// shortfall is the part that could not be debited.
func (o *OutstandingAmount) Debit(c Category, amount decimal.Decimal) (applied, shortfall decimal.Decimal, err error) {
	if !validCategory(c) {
		return decimal.Zero, decimal.Zero, validationError("unknown ledger category %q", c)
	}
	if amount.IsNegative() {
		return decimal.Zero, decimal.Zero, validationError("debit amount must not be negative")
	}
	current := o.bucket(c)
	applied = decimal.Min(current, amount)
	if applied.IsNegative() {
		applied = decimal.Zero
	}
	o.setBucket(c, current.Sub(applied))
	o.Total = o.Total.Sub(applied)
	return applied, amount.Sub(applied), nil
}

// Clear zeroes every field and returns the total that was cleared.
func (o *OutstandingAmount) Clear() decimal.Decimal {
	cleared := o.Total
	*o = OutstandingAmount{
		Sessions: decimal.Zero,
		Courses:  decimal.Zero,
		Cohorts:  decimal.Zero,
		Total:    decimal.Zero,
	}
	return cleared
}

// Balanced reports whether the invariants hold.
func (o OutstandingAmount) Balanced() bool {
	sum := o.Sessions.Add(o.Courses).Add(o.Cohorts)
	return sum.Equal(o.Total) &&
		!o.Sessions.IsNegative() && !o.Courses.IsNegative() &&
		!o.Cohorts.IsNegative() && !o.Total.IsNegative()
}

func validCategory(c Category) bool {
	return c == CategorySessions || c == CategoryCourses || c == CategoryCohorts
}

// =============================================================================
// LEDGER OPERATIONS - always inside a store transaction
// =============================================================================

// ledgerChange describes one credit or debit to persist with an entity write.
type ledgerChange struct {
	Category       Category
	Amount         decimal.Decimal
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Actor          string
}

// credit applies a credit to expert and appends the matching entry.
// The caller saves the expert in the same transaction.
func (s *Service) credit(ctx context.Context, st Store, expert *Expert, ch ledgerChange) (LedgerEntry, error) {
	if err := expert.Outstanding.Credit(ch.Category, ch.Amount); err != nil {
		return LedgerEntry{}, err
	}
	entry := s.newEntry(expert.ID, EntryCredit, ch, ch.Amount)
	if err := st.AppendLedgerEntry(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("append credit entry: %w", err)
	}
	return entry, nil
}

// debit applies a guarded debit to expert and appends the matching entry.
// A shortfall is logged as an anomaly, never turned into a negative balance.
func (s *Service) debit(ctx context.Context, st Store, expert *Expert, ch ledgerChange) (LedgerEntry, error) {
	applied, shortfall, err := expert.Outstanding.Debit(ch.Category, ch.Amount)
	if err != nil {
		return LedgerEntry{}, err
	}
	if shortfall.IsPositive() {
		s.logger().Warn("ledger debit clamped at zero",
			"component", "ledger",
			"expert_id", expert.ID,
			"category", ch.Category,
			"requested", ch.Amount.String(),
			"applied", applied.String(),
			"shortfall", shortfall.String(),
			"reference_id", ch.ReferenceID,
		)
	}
	entry := s.newEntry(expert.ID, EntryDebit, ch, applied)
	if err := st.AppendLedgerEntry(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("append debit entry: %w", err)
	}
	return entry, nil
}

func (s *Service) newEntry(expertID ExpertID, typ EntryType, ch ledgerChange, applied decimal.Decimal) LedgerEntry {
	return LedgerEntry{
		ID:             EntryID(s.newID()),
		ExpertID:       expertID,
		Category:       ch.Category,
		Type:           typ,
		Amount:         ch.Amount,
		Applied:        applied,
		ReferenceID:    ch.ReferenceID,
		Reason:         ch.Reason,
		IdempotencyKey: ch.IdempotencyKey,
		CreatedBy:      ch.Actor,
		CreatedAt:      s.now(),
	}
}

// =============================================================================
// ADMIN / READ OPERATIONS
// =============================================================================

// LedgerView is an expert's balance with its history.
type LedgerView struct {
	ExpertID    ExpertID
	Outstanding OutstandingAmount
	Entries     []LedgerEntry
}

// GetLedger returns the outstanding balance and every entry for an expert.
func (s *Service) GetLedger(ctx context.Context, expertID ExpertID) (*LedgerView, error) {
	expert, err := s.Store.GetExpert(ctx, expertID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Store.ListLedgerEntries(ctx, expertID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return &LedgerView{ExpertID: expert.ID, Outstanding: expert.Outstanding, Entries: entries}, nil
}

// ClearLedger zeroes an expert's outstanding balance after an external payout.
func (s *Service) ClearLedger(ctx context.Context, actor Actor, expertID ExpertID) (*Expert, error) {
	if !actor.IsAdmin() {
		return nil, forbidden("only admins can clear a ledger")
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
		cleared := expert.Outstanding.Clear()
		entry := LedgerEntry{
			ID:             EntryID(s.newID()),
			ExpertID:       expert.ID,
			Type:           EntryClear,
			Amount:         cleared,
			Applied:        cleared,
			Reason:         "outstanding balance settled",
			IdempotencyKey: fmt.Sprintf("expert:%s:clear:%s", expert.ID, s.newID()),
			CreatedBy:      actor.ID,
			CreatedAt:      s.now(),
		}
		if err := st.AppendLedgerEntry(ctx, entry); err != nil {
			return fmt.Errorf("append clear entry: %w", err)
		}
		expert.UpdatedAt = s.now()
		if err := st.SaveExpert(ctx, expert); err != nil {
			return err
		}
		out = expert
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("ledger cleared", "component", "ledger", "expert_id", expertID, "actor", actor.ID)
	return out, nil
}
