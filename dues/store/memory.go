// Package store provides in-memory implementations of the dues store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type chargeKey struct {
	PlanID   dues.PlanID
	MemberID dues.MemberID
}

// state holds the tables. Its methods assume the caller holds the lock.
type state struct {
	types       map[dues.DuesTypeID]dues.DuesType
	plans       map[dues.PlanID]dues.DuesPlan
	charges     map[dues.ChargeID]dues.MemberCharge
	chargeIndex map[chargeKey]dues.ChargeID
	obligations map[dues.ObligationID]dues.MembershipFeeObligation
	assistance  map[dues.AssistanceID]dues.AssistanceRequest
	reminders   map[dues.ReminderID]dues.Reminder
	members     map[dues.MemberID]dues.Member
}

func newState() *state {
	return &state{
		types:       make(map[dues.DuesTypeID]dues.DuesType),
		plans:       make(map[dues.PlanID]dues.DuesPlan),
		charges:     make(map[dues.ChargeID]dues.MemberCharge),
		chargeIndex: make(map[chargeKey]dues.ChargeID),
		obligations: make(map[dues.ObligationID]dues.MembershipFeeObligation),
		assistance:  make(map[dues.AssistanceID]dues.AssistanceRequest),
		reminders:   make(map[dues.ReminderID]dues.Reminder),
		members:     make(map[dues.MemberID]dues.Member),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.types {
		c.types[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.charges {
		c.charges[k] = v
	}
	for k, v := range s.chargeIndex {
		c.chargeIndex[k] = v
	}
	for k, v := range s.obligations {
		c.obligations[k] = v
	}
	for k, v := range s.assistance {
		c.assistance[k] = v
	}
	for k, v := range s.reminders {
		c.reminders[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	return c
}

// Memory is a dues.Store kept in maps. Pointer fields are copied on the way
// in and out so callers never share memory with the store.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

func (m *Memory) SaveDuesType(ctx context.Context, t dues.DuesType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveDuesType(ctx, t)
}

func (m *Memory) GetDuesType(ctx context.Context, id dues.DuesTypeID) (*dues.DuesType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetDuesType(ctx, id)
}

func (m *Memory) ListDuesTypes(ctx context.Context) ([]dues.DuesType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListDuesTypes(ctx)
}

func (s *state) SaveDuesType(_ context.Context, t dues.DuesType) error {
	for _, other := range s.types {
		if other.ID != t.ID && other.Code == t.Code {
			return dues.ErrDuplicate
		}
	}
	s.types[t.ID] = t
	return nil
}

func (s *state) GetDuesType(_ context.Context, id dues.DuesTypeID) (*dues.DuesType, error) {
	t, ok := s.types[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *state) ListDuesTypes(_ context.Context) ([]dues.DuesType, error) {
	out := make([]dues.DuesType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

func (m *Memory) InsertPlan(ctx context.Context, p dues.DuesPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.InsertPlan(ctx, p)
}

func (m *Memory) UpdatePlan(ctx context.Context, p dues.DuesPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdatePlan(ctx, p)
}

func (m *Memory) DeletePlan(ctx context.Context, id dues.PlanID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeletePlan(ctx, id)
}

func (m *Memory) GetPlan(ctx context.Context, id dues.PlanID) (*dues.DuesPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetPlan(ctx, id)
}

func (m *Memory) FindFlatPlan(ctx context.Context, period dues.Period, typeID dues.DuesTypeID) (*dues.DuesPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.FindFlatPlan(ctx, period, typeID)
}

func (m *Memory) FindBeneficiaryPlan(ctx context.Context, period dues.Period, beneficiary dues.MemberID) (*dues.DuesPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.FindBeneficiaryPlan(ctx, period, beneficiary)
}

func (m *Memory) ListPlans(ctx context.Context, filter dues.PlanFilter) ([]dues.DuesPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListPlans(ctx, filter)
}

func (m *Memory) CountPlansByDuesType(ctx context.Context, typeID dues.DuesTypeID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.CountPlansByDuesType(ctx, typeID)
}

func clonePlan(p dues.DuesPlan) dues.DuesPlan {
	if p.BeneficiaryID != nil {
		b := *p.BeneficiaryID
		p.BeneficiaryID = &b
	}
	if p.AssistanceID != nil {
		a := *p.AssistanceID
		p.AssistanceID = &a
	}
	return p
}

// violatesUniqueness mirrors the partial unique indexes of the SQL schema.
func (s *state) violatesUniqueness(p dues.DuesPlan) bool {
	if !p.IsActive() {
		return false
	}
	for _, other := range s.plans {
		if other.ID == p.ID || !other.IsActive() || !other.Period.Equal(p.Period) {
			continue
		}
		if p.HasBeneficiary() {
			if other.HasBeneficiary() && *other.BeneficiaryID == *p.BeneficiaryID {
				return true
			}
			continue
		}
		if !other.HasBeneficiary() && other.DuesTypeID == p.DuesTypeID {
			return true
		}
	}
	return false
}

func (s *state) InsertPlan(_ context.Context, p dues.DuesPlan) error {
	if _, exists := s.plans[p.ID]; exists {
		return dues.ErrDuplicate
	}
	if s.violatesUniqueness(p) {
		return dues.ErrDuplicate
	}
	s.plans[p.ID] = clonePlan(p)
	return nil
}

func (s *state) UpdatePlan(_ context.Context, p dues.DuesPlan) error {
	if _, exists := s.plans[p.ID]; !exists {
		return &dues.NotFoundError{Entity: "dues plan", ID: string(p.ID)}
	}
	if s.violatesUniqueness(p) {
		return dues.ErrDuplicate
	}
	s.plans[p.ID] = clonePlan(p)
	return nil
}

func (s *state) DeletePlan(_ context.Context, id dues.PlanID) error {
	delete(s.plans, id)
	return nil
}

func (s *state) GetPlan(_ context.Context, id dues.PlanID) (*dues.DuesPlan, error) {
	p, ok := s.plans[id]
	if !ok {
		return nil, nil
	}
	c := clonePlan(p)
	return &c, nil
}

func (s *state) FindFlatPlan(_ context.Context, period dues.Period, typeID dues.DuesTypeID) (*dues.DuesPlan, error) {
	for _, p := range s.plans {
		if p.IsActive() && !p.HasBeneficiary() && p.DuesTypeID == typeID && p.Period.Equal(period) {
			c := clonePlan(p)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *state) FindBeneficiaryPlan(_ context.Context, period dues.Period, beneficiary dues.MemberID) (*dues.DuesPlan, error) {
	for _, p := range s.plans {
		if p.IsActive() && p.HasBeneficiary() && *p.BeneficiaryID == beneficiary && p.Period.Equal(period) {
			c := clonePlan(p)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *state) ListPlans(_ context.Context, f dues.PlanFilter) ([]dues.DuesPlan, error) {
	var out []dues.DuesPlan
	for _, p := range s.plans {
		if f.Period != nil && !p.Period.Equal(*f.Period) {
			continue
		}
		if f.DuesTypeID != nil && p.DuesTypeID != *f.DuesTypeID {
			continue
		}
		if f.BeneficiaryID != nil && (!p.HasBeneficiary() || *p.BeneficiaryID != *f.BeneficiaryID) {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, p.Status) {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Equal(out[j].Period) {
			return out[i].Period.After(out[j].Period)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func hasStatus(statuses []dues.PlanStatus, st dues.PlanStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (s *state) CountPlansByDuesType(_ context.Context, typeID dues.DuesTypeID) (int, error) {
	n := 0
	for _, p := range s.plans {
		if p.DuesTypeID == typeID {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Charges
// -----------------------------------------------------------------------------

func (m *Memory) UpsertCharges(ctx context.Context, charges []dues.MemberCharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpsertCharges(ctx, charges)
}

func (m *Memory) UpdateCharge(ctx context.Context, c dues.MemberCharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateCharge(ctx, c)
}

func (m *Memory) GetCharge(ctx context.Context, id dues.ChargeID) (*dues.MemberCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetCharge(ctx, id)
}

func (m *Memory) ListChargesByPlan(ctx context.Context, planID dues.PlanID) ([]dues.MemberCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListChargesByPlan(ctx, planID)
}

func (m *Memory) ListChargesByMember(ctx context.Context, memberID dues.MemberID) ([]dues.MemberCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListChargesByMember(ctx, memberID)
}

func (m *Memory) CountChargesByPlan(ctx context.Context, planID dues.PlanID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.CountChargesByPlan(ctx, planID)
}

func (m *Memory) DeleteChargesByPlan(ctx context.Context, planID dues.PlanID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeleteChargesByPlan(ctx, planID)
}

func (m *Memory) MarkOverdue(ctx context.Context, dueBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.MarkOverdue(ctx, dueBefore, now)
}

// UpsertCharges keys on (plan, member). An existing row keeps its ID,
// AmountPaid and CreatedAt; Remaining is recomputed from the stored paid.
func (s *state) UpsertCharges(_ context.Context, charges []dues.MemberCharge) error {
	for _, c := range charges {
		k := chargeKey{PlanID: c.PlanID, MemberID: c.MemberID}
		if id, ok := s.chargeIndex[k]; ok {
			existing := s.charges[id]
			c.ID = existing.ID
			c.AmountPaid = existing.AmountPaid
			c.CreatedAt = existing.CreatedAt
			c.Remaining = dues.Remaining(c.AmountDue, c.AmountPaid)
		} else if _, taken := s.charges[c.ID]; taken {
			return dues.ErrDuplicate
		}
		s.charges[c.ID] = c
		s.chargeIndex[k] = c.ID
	}
	return nil
}

func (s *state) UpdateCharge(_ context.Context, c dues.MemberCharge) error {
	if _, ok := s.charges[c.ID]; !ok {
		return &dues.NotFoundError{Entity: "member charge", ID: string(c.ID)}
	}
	s.charges[c.ID] = c
	return nil
}

func (s *state) GetCharge(_ context.Context, id dues.ChargeID) (*dues.MemberCharge, error) {
	c, ok := s.charges[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) ListChargesByPlan(_ context.Context, planID dues.PlanID) ([]dues.MemberCharge, error) {
	var out []dues.MemberCharge
	for _, c := range s.charges {
		if c.PlanID == planID {
			out = append(out, c)
		}
	}
	sortCharges(out)
	return out, nil
}

func (s *state) ListChargesByMember(_ context.Context, memberID dues.MemberID) ([]dues.MemberCharge, error) {
	var out []dues.MemberCharge
	for _, c := range s.charges {
		if c.MemberID == memberID {
			out = append(out, c)
		}
	}
	sortCharges(out)
	return out, nil
}

func sortCharges(cs []dues.MemberCharge) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func (s *state) CountChargesByPlan(_ context.Context, planID dues.PlanID) (int, error) {
	n := 0
	for _, c := range s.charges {
		if c.PlanID == planID {
			n++
		}
	}
	return n, nil
}

func (s *state) DeleteChargesByPlan(_ context.Context, planID dues.PlanID) (int, error) {
	n := 0
	for id, c := range s.charges {
		if c.PlanID == planID {
			delete(s.charges, id)
			delete(s.chargeIndex, chargeKey{PlanID: c.PlanID, MemberID: c.MemberID})
			n++
		}
	}
	return n, nil
}

func (s *state) MarkOverdue(_ context.Context, dueBefore, now time.Time) (int, error) {
	n := 0
	for id, c := range s.charges {
		if c.Status == dues.ChargePaid || c.Status == dues.ChargeOverdue || !c.Remaining.IsPositive() {
			continue
		}
		if c.DueDate.IsZero() || !c.DueDate.Before(dueBefore) {
			continue
		}
		c.Status = dues.ChargeOverdue
		c.UpdatedAt = now
		s.charges[id] = c
		n++
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Obligations
// -----------------------------------------------------------------------------

func (m *Memory) SaveObligation(ctx context.Context, o dues.MembershipFeeObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveObligation(ctx, o)
}

func (m *Memory) GetObligation(ctx context.Context, id dues.ObligationID) (*dues.MembershipFeeObligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetObligation(ctx, id)
}

func (m *Memory) ListObligationsByMember(ctx context.Context, memberID dues.MemberID) ([]dues.MembershipFeeObligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListObligationsByMember(ctx, memberID)
}

func (m *Memory) DeleteObligation(ctx context.Context, id dues.ObligationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeleteObligation(ctx, id)
}

func (s *state) SaveObligation(_ context.Context, o dues.MembershipFeeObligation) error {
	s.obligations[o.ID] = o
	return nil
}

func (s *state) GetObligation(_ context.Context, id dues.ObligationID) (*dues.MembershipFeeObligation, error) {
	o, ok := s.obligations[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *state) ListObligationsByMember(_ context.Context, memberID dues.MemberID) ([]dues.MembershipFeeObligation, error) {
	var out []dues.MembershipFeeObligation
	for _, o := range s.obligations {
		if o.MemberID == memberID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) DeleteObligation(_ context.Context, id dues.ObligationID) error {
	delete(s.obligations, id)
	return nil
}

// -----------------------------------------------------------------------------
// Assistance
// -----------------------------------------------------------------------------

func (m *Memory) SaveAssistance(ctx context.Context, r dues.AssistanceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveAssistance(ctx, r)
}

func (m *Memory) GetAssistance(ctx context.Context, id dues.AssistanceID) (*dues.AssistanceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetAssistance(ctx, id)
}

func (m *Memory) DeleteAssistance(ctx context.Context, id dues.AssistanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeleteAssistance(ctx, id)
}

func (m *Memory) ListAssistance(ctx context.Context, f dues.AssistanceFilter) ([]dues.AssistanceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListAssistance(ctx, f)
}

func (s *state) SaveAssistance(_ context.Context, r dues.AssistanceRequest) error {
	s.assistance[r.ID] = r
	return nil
}

func (s *state) GetAssistance(_ context.Context, id dues.AssistanceID) (*dues.AssistanceRequest, error) {
	r, ok := s.assistance[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) DeleteAssistance(_ context.Context, id dues.AssistanceID) error {
	delete(s.assistance, id)
	return nil
}

func (s *state) ListAssistance(_ context.Context, f dues.AssistanceFilter) ([]dues.AssistanceRequest, error) {
	var out []dues.AssistanceRequest
	for _, r := range s.assistance {
		if f.BeneficiaryID != nil && r.BeneficiaryID != *f.BeneficiaryID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventDate.Equal(out[j].EventDate) {
			return out[i].EventDate.After(out[j].EventDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// Reminders
// -----------------------------------------------------------------------------

func (m *Memory) SaveReminder(ctx context.Context, r dues.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveReminder(ctx, r)
}

func (m *Memory) ListRemindersByMember(ctx context.Context, memberID dues.MemberID) ([]dues.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListRemindersByMember(ctx, memberID)
}

func cloneReminder(r dues.Reminder) dues.Reminder {
	if r.SentAt != nil {
		t := *r.SentAt
		r.SentAt = &t
	}
	return r
}

func (s *state) SaveReminder(_ context.Context, r dues.Reminder) error {
	s.reminders[r.ID] = cloneReminder(r)
	return nil
}

// ListRemindersByMember returns reminders in no guaranteed order.
func (s *state) ListRemindersByMember(_ context.Context, memberID dues.MemberID) ([]dues.Reminder, error) {
	var out []dues.Reminder
	for _, r := range s.reminders {
		if r.MemberID == memberID {
			out = append(out, cloneReminder(r))
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Members
// -----------------------------------------------------------------------------

func (m *Memory) SaveMember(ctx context.Context, mem dues.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveMember(ctx, mem)
}

func (m *Memory) GetMember(ctx context.Context, id dues.MemberID) (*dues.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetMember(ctx, id)
}

func (m *Memory) ListMembers(ctx context.Context) ([]dues.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListMembers(ctx)
}

func (s *state) SaveMember(_ context.Context, mem dues.Member) error {
	s.members[mem.ID] = mem
	return nil
}

func (s *state) GetMember(_ context.Context, id dues.MemberID) (*dues.Member, error) {
	mem, ok := s.members[id]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

func (s *state) ListMembers(_ context.Context) ([]dues.Member, error) {
	out := make([]dues.Member, 0, len(s.members))
	for _, mem := range s.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
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
// The write lock is held for the whole call: fn must only use the Store it
// is given, never the TxMemory itself. On error the snapshot is restored.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(dues.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.s.clone()
	if err := fn(tm.s); err != nil {
		tm.s = snapshot
		return err
	}
	return nil
}

var (
	_ dues.TxStore = (*TxMemory)(nil)
	_ dues.Store   = (*state)(nil)
)
