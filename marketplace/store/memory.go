// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/mentor-marketplace/marketplace"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

// data is everything a transaction may need to roll back.
type data struct {
	experts     map[marketplace.ExpertID]*marketplace.Expert
	students    map[marketplace.StudentID]*marketplace.Student
	sessions    map[marketplace.SessionID]*marketplace.Session
	slots       map[slotKey]marketplace.SessionID
	offerings   map[marketplace.OfferingID]*marketplace.Offering
	orders      map[marketplace.OrderID]*marketplace.PaymentOrder
	providers   map[string]marketplace.OrderID
	entries     map[marketplace.ExpertID][]marketplace.LedgerEntry
	idempotency map[string]bool
}

type slotKey struct {
	ExpertID         marketplace.ExpertID
	Date, Start, End string
}

func NewMemory() *Memory {
	return &Memory{data: data{
		experts:     make(map[marketplace.ExpertID]*marketplace.Expert),
		students:    make(map[marketplace.StudentID]*marketplace.Student),
		sessions:    make(map[marketplace.SessionID]*marketplace.Session),
		slots:       make(map[slotKey]marketplace.SessionID),
		offerings:   make(map[marketplace.OfferingID]*marketplace.Offering),
		orders:      make(map[marketplace.OrderID]*marketplace.PaymentOrder),
		providers:   make(map[string]marketplace.OrderID),
		entries:     make(map[marketplace.ExpertID][]marketplace.LedgerEntry),
		idempotency: make(map[string]bool),
	}}
}

func (m *Memory) GetExpert(ctx context.Context, id marketplace.ExpertID) (*marketplace.Expert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExpert(id)
}

func (m *Memory) SaveExpert(ctx context.Context, e *marketplace.Expert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveExpert(e)
}

func (m *Memory) GetStudent(ctx context.Context, id marketplace.StudentID) (*marketplace.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getStudent(id)
}

func (m *Memory) SaveStudent(ctx context.Context, s *marketplace.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveStudent(s)
}

func (m *Memory) GetSession(ctx context.Context, id marketplace.SessionID) (*marketplace.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSession(id)
}

func (m *Memory) SaveSession(ctx context.Context, s *marketplace.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSession(s)
}

func (m *Memory) FindSlot(ctx context.Context, expertID marketplace.ExpertID, date, start, end string) (*marketplace.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findSlot(expertID, date, start, end), nil
}

func (m *Memory) ListSessions(ctx context.Context, filter marketplace.SessionFilter) ([]*marketplace.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSessions(filter), nil
}

func (m *Memory) GetOffering(ctx context.Context, id marketplace.OfferingID) (*marketplace.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOffering(id)
}

func (m *Memory) SaveOffering(ctx context.Context, o *marketplace.Offering) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveOffering(o)
}

func (m *Memory) GetOrder(ctx context.Context, id marketplace.OrderID) (*marketplace.PaymentOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOrder(id)
}

func (m *Memory) GetOrderByProviderID(ctx context.Context, providerOrderID string) (*marketplace.PaymentOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOrderByProviderID(providerOrderID)
}

func (m *Memory) SaveOrder(ctx context.Context, o *marketplace.PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveOrder(o)
}

// AppendLedgerEntry adds a single entry. Append-only.
func (m *Memory) AppendLedgerEntry(ctx context.Context, entry marketplace.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntry(entry)
}

func (m *Memory) ListLedgerEntries(ctx context.Context, expertID marketplace.ExpertID) ([]marketplace.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntries(expertID), nil
}

// =============================================================================
// UNLOCKED OPERATIONS - callers hold m.mu
// =============================================================================

func (d *data) getExpert(id marketplace.ExpertID) (*marketplace.Expert, error) {
	e, ok := d.experts[id]
	if !ok {
		return nil, marketplace.NotFoundError("expert", string(id))
	}
	return e.Clone(), nil
}

func (d *data) saveExpert(e *marketplace.Expert) error {
	cur := d.experts[e.ID]
	if err := checkVersion("expert", string(e.ID), cur, e.Version); err != nil {
		return err
	}
	e.Version++
	d.experts[e.ID] = e.Clone()
	return nil
}

func (d *data) getStudent(id marketplace.StudentID) (*marketplace.Student, error) {
	s, ok := d.students[id]
	if !ok {
		return nil, marketplace.NotFoundError("student", string(id))
	}
	return s.Clone(), nil
}

func (d *data) saveStudent(s *marketplace.Student) error {
	cur := d.students[s.ID]
	if err := checkVersion("student", string(s.ID), cur, s.Version); err != nil {
		return err
	}
	s.Version++
	d.students[s.ID] = s.Clone()
	return nil
}

func (d *data) getSession(id marketplace.SessionID) (*marketplace.Session, error) {
	s, ok := d.sessions[id]
	if !ok {
		return nil, marketplace.NotFoundError("session", string(id))
	}
	return s.Clone(), nil
}

func (d *data) saveSession(s *marketplace.Session) error {
	cur, ok := d.sessions[s.ID]
	if err := checkVersion("session", string(s.ID), cur, s.Version); err != nil {
		return err
	}
	k := slotKey{ExpertID: s.ExpertID, Date: s.Date, Start: s.StartTime, End: s.EndTime}
	if owner, taken := d.slots[k]; taken && owner != s.ID {
		return &marketplace.Error{Kind: marketplace.KindConflict, Reason: marketplace.ErrSlotExists.Reason, Message: "slot already exists"}
	}
	if ok {
		delete(d.slots, slotKey{ExpertID: cur.ExpertID, Date: cur.Date, Start: cur.StartTime, End: cur.EndTime})
	}
	s.Pricing = s.Pricing.Normalized()
	s.Version++
	d.sessions[s.ID] = s.Clone()
	d.slots[k] = s.ID
	return nil
}

func (d *data) findSlot(expertID marketplace.ExpertID, date, start, end string) *marketplace.Session {
	id, ok := d.slots[slotKey{ExpertID: expertID, Date: date, Start: start, End: end}]
	if !ok {
		return nil
	}
	return d.sessions[id].Clone()
}

func (d *data) listSessions(filter marketplace.SessionFilter) []*marketplace.Session {
	result := make([]*marketplace.Session, 0)
	for _, s := range d.sessions {
		if filter.ExpertID != "" && s.ExpertID != filter.ExpertID {
			continue
		}
		if filter.StudentID != "" && !s.IsBookedBy(string(filter.StudentID)) {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID < b.ID
	})
	return result
}

func (d *data) getOffering(id marketplace.OfferingID) (*marketplace.Offering, error) {
	o, ok := d.offerings[id]
	if !ok {
		return nil, marketplace.NotFoundError("offering", string(id))
	}
	return o.Clone(), nil
}

func (d *data) saveOffering(o *marketplace.Offering) error {
	cur := d.offerings[o.ID]
	if err := checkVersion("offering", string(o.ID), cur, o.Version); err != nil {
		return err
	}
	o.Version++
	d.offerings[o.ID] = o.Clone()
	return nil
}

func (d *data) getOrder(id marketplace.OrderID) (*marketplace.PaymentOrder, error) {
	o, ok := d.orders[id]
	if !ok {
		return nil, marketplace.NotFoundError("order", string(id))
	}
	return o.Clone(), nil
}

func (d *data) getOrderByProviderID(providerOrderID string) (*marketplace.PaymentOrder, error) {
	id, ok := d.providers[providerOrderID]
	if !ok {
		return nil, marketplace.NotFoundError("order", providerOrderID)
	}
	return d.getOrder(id)
}

func (d *data) saveOrder(o *marketplace.PaymentOrder) error {
	cur := d.orders[o.ID]
	if err := checkVersion("order", string(o.ID), cur, o.Version); err != nil {
		return err
	}
	if owner, taken := d.providers[o.ProviderOrderID]; o.ProviderOrderID != "" && taken && owner != o.ID {
		return &marketplace.Error{Kind: marketplace.KindConflict, Reason: "already_exists",
			Message: "provider order " + o.ProviderOrderID + " already recorded"}
	}
	o.Version++
	d.orders[o.ID] = o.Clone()
	if o.ProviderOrderID != "" {
		d.providers[o.ProviderOrderID] = o.ID
	}
	return nil
}

func (d *data) appendEntry(entry marketplace.LedgerEntry) error {
	if entry.IdempotencyKey != "" && d.idempotency[entry.IdempotencyKey] {
		return marketplace.ErrDuplicateIdempotencyKey
	}
	d.entries[entry.ExpertID] = append(d.entries[entry.ExpertID], entry)
	if entry.IdempotencyKey != "" {
		d.idempotency[entry.IdempotencyKey] = true
	}
	return nil
}

func (d *data) listEntries(expertID marketplace.ExpertID) []marketplace.LedgerEntry {
	result := make([]marketplace.LedgerEntry, len(d.entries[expertID]))
	copy(result, d.entries[expertID])
	return result
}

type versioned interface {
	*marketplace.Expert | *marketplace.Student | *marketplace.Session | *marketplace.Offering | *marketplace.PaymentOrder
}

func storedVersion[T versioned](cur T) (int64, bool) {
	switch v := any(cur).(type) {
	case *marketplace.Expert:
		if v != nil {
			return v.Version, true
		}
	case *marketplace.Student:
		if v != nil {
			return v.Version, true
		}
	case *marketplace.Session:
		if v != nil {
			return v.Version, true
		}
	case *marketplace.Offering:
		if v != nil {
			return v.Version, true
		}
	case *marketplace.PaymentOrder:
		if v != nil {
			return v.Version, true
		}
	}
	return 0, false
}

// checkVersion enforces insert-once and compare-and-swap on Version.
func checkVersion[T versioned](entity, id string, cur T, given int64) error {
	stored, exists := storedVersion(cur)
	if given == 0 && exists {
		return &marketplace.Error{Kind: marketplace.KindConflict, Reason: "already_exists",
			Message: entity + " " + id + " already exists"}
	}
	if given != 0 && !exists {
		return marketplace.NotFoundError(entity, id)
	}
	if exists && stored != given {
		return marketplace.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(marketplace.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

// snapshot copies the maps. Stored values are never mutated in place, only
// replaced, so the pointers can be shared.
func (tm *TxMemory) snapshot() data {
	s := data{
		experts:     make(map[marketplace.ExpertID]*marketplace.Expert, len(tm.experts)),
		students:    make(map[marketplace.StudentID]*marketplace.Student, len(tm.students)),
		sessions:    make(map[marketplace.SessionID]*marketplace.Session, len(tm.sessions)),
		slots:       make(map[slotKey]marketplace.SessionID, len(tm.slots)),
		offerings:   make(map[marketplace.OfferingID]*marketplace.Offering, len(tm.offerings)),
		orders:      make(map[marketplace.OrderID]*marketplace.PaymentOrder, len(tm.orders)),
		providers:   make(map[string]marketplace.OrderID, len(tm.providers)),
		entries:     make(map[marketplace.ExpertID][]marketplace.LedgerEntry, len(tm.entries)),
		idempotency: make(map[string]bool, len(tm.idempotency)),
	}
	for k, v := range tm.experts {
		s.experts[k] = v
	}
	for k, v := range tm.students {
		s.students[k] = v
	}
	for k, v := range tm.sessions {
		s.sessions[k] = v
	}
	for k, v := range tm.slots {
		s.slots[k] = v
	}
	for k, v := range tm.offerings {
		s.offerings[k] = v
	}
	for k, v := range tm.orders {
		s.orders[k] = v
	}
	for k, v := range tm.providers {
		s.providers[k] = v
	}
	for k, v := range tm.entries {
		s.entries[k] = append([]marketplace.LedgerEntry{}, v...)
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

// txMemoryView is the Store handed to WithTx callbacks; the parent lock is
// already held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetExpert(_ context.Context, id marketplace.ExpertID) (*marketplace.Expert, error) {
	return tv.parent.getExpert(id)
}

func (tv *txMemoryView) SaveExpert(_ context.Context, e *marketplace.Expert) error {
	return tv.parent.saveExpert(e)
}

func (tv *txMemoryView) GetStudent(_ context.Context, id marketplace.StudentID) (*marketplace.Student, error) {
	return tv.parent.getStudent(id)
}

func (tv *txMemoryView) SaveStudent(_ context.Context, s *marketplace.Student) error {
	return tv.parent.saveStudent(s)
}

func (tv *txMemoryView) GetSession(_ context.Context, id marketplace.SessionID) (*marketplace.Session, error) {
	return tv.parent.getSession(id)
}

func (tv *txMemoryView) SaveSession(_ context.Context, s *marketplace.Session) error {
	return tv.parent.saveSession(s)
}

func (tv *txMemoryView) FindSlot(_ context.Context, expertID marketplace.ExpertID, date, start, end string) (*marketplace.Session, error) {
	return tv.parent.findSlot(expertID, date, start, end), nil
}

func (tv *txMemoryView) ListSessions(_ context.Context, filter marketplace.SessionFilter) ([]*marketplace.Session, error) {
	return tv.parent.listSessions(filter), nil
}

func (tv *txMemoryView) GetOffering(_ context.Context, id marketplace.OfferingID) (*marketplace.Offering, error) {
	return tv.parent.getOffering(id)
}

func (tv *txMemoryView) SaveOffering(_ context.Context, o *marketplace.Offering) error {
	return tv.parent.saveOffering(o)
}

func (tv *txMemoryView) GetOrder(_ context.Context, id marketplace.OrderID) (*marketplace.PaymentOrder, error) {
	return tv.parent.getOrder(id)
}

func (tv *txMemoryView) GetOrderByProviderID(_ context.Context, providerOrderID string) (*marketplace.PaymentOrder, error) {
	return tv.parent.getOrderByProviderID(providerOrderID)
}

func (tv *txMemoryView) SaveOrder(_ context.Context, o *marketplace.PaymentOrder) error {
	return tv.parent.saveOrder(o)
}

func (tv *txMemoryView) AppendLedgerEntry(_ context.Context, entry marketplace.LedgerEntry) error {
	return tv.parent.appendEntry(entry)
}

func (tv *txMemoryView) ListLedgerEntries(_ context.Context, expertID marketplace.ExpertID) ([]marketplace.LedgerEntry, error) {
	return tv.parent.listEntries(expertID), nil
}
