/*
store.go - Persistence interface for marketplace entities and the ledger log

PURPOSE:
  Defines the boundary between the state machines and the database. Each
  entity row is the unit of optimistic concurrency: it carries a Version,
  and a save with a stale Version fails with ErrConcurrentModification.

KEY INTERFACES:
  Store:   entity reads/writes plus the append-only ledger entry log
  TxStore: Store with WithTx for atomic multi-entity writes

ATOMICITY:
  A ledger mutation is always persisted in the same WithTx call as the
  entity change that caused it (session completion, refund, purchase), so a
  failed write never leaves the balance out of step with the entities.

IDEMPOTENCY:
  AppendLedgerEntry rejects a repeated idempotency key with
  ErrDuplicateIdempotencyKey. Keys are derived from the business event
  ("session:<id>:completion-credit"), which backs the at-most-once rules.

IMPLEMENTATIONS:
  - marketplace/store/memory.go: in-memory, for tests and dev
  - store/sqldb/sqldb.go: SQLite or PostgreSQL through database/sql
*/
package marketplace

import "context"

// SessionFilter narrows ListSessions. Empty fields match everything.
type SessionFilter struct {
	ExpertID  ExpertID
	StudentID StudentID
	Status    SessionStatus
}

// Store handles persistence. Save* methods insert when Version is 0 and
// otherwise compare-and-swap on Version; on success the passed entity's
// Version is advanced.
type Store interface {
	GetExpert(ctx context.Context, id ExpertID) (*Expert, error)
	SaveExpert(ctx context.Context, e *Expert) error

	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	SaveStudent(ctx context.Context, s *Student) error

	GetSession(ctx context.Context, id SessionID) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	// FindSlot returns the session with identical (expert, date, start, end), or nil.
	FindSlot(ctx context.Context, expertID ExpertID, date, start, end string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	GetOffering(ctx context.Context, id OfferingID) (*Offering, error)
	SaveOffering(ctx context.Context, o *Offering) error

	GetOrder(ctx context.Context, id OrderID) (*PaymentOrder, error)
	GetOrderByProviderID(ctx context.Context, providerOrderID string) (*PaymentOrder, error)
	SaveOrder(ctx context.Context, o *PaymentOrder) error

	// AppendLedgerEntry is append-only. No update, no delete.
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error
	ListLedgerEntries(ctx context.Context, expertID ExpertID) ([]LedgerEntry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
