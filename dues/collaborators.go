package dues

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// NOTIFICATION DISPATCH
// =============================================================================

// Notifier hands a message to the external delivery system.
// A false dispatched flag or an error leaves the reminder pending for retry.
type Notifier interface {
	Notify(ctx context.Context, memberID MemberID, channel Channel, subject, body string) (dispatched bool, err error)
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

type MemberDirectory interface {
	// ListActiveMembers returns active members whose role is in roles.
	// An empty roles list means every role.
	ListActiveMembers(ctx context.Context, roles ...Role) ([]Member, error)
	GetMember(ctx context.Context, id MemberID) (*Member, error)
}

// StoreDirectory serves the directory from the engine's own members table.
type StoreDirectory struct {
	Members MemberStore
}

func (d StoreDirectory) ListActiveMembers(ctx context.Context, roles ...Role) ([]Member, error) {
	all, err := d.Members.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Member
	for _, m := range all {
		if m.Status != MemberActive {
			continue
		}
		if len(roles) > 0 && !hasRole(roles, m.Role) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (d StoreDirectory) GetMember(ctx context.Context, id MemberID) (*Member, error) {
	return d.Members.GetMember(ctx, id)
}

func hasRole(roles []Role, r Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

// =============================================================================
// KEYED LOCK
// =============================================================================

// Locker serializes check-then-act sequences that share a key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// =============================================================================
// SWEEP OBSERVER (metrics)
// =============================================================================

type SweepObserver interface {
	MaterializationCompleted(s MaterializationSummary, elapsed time.Duration)
	ReminderSweepCompleted(s ReminderSummary, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) MaterializationCompleted(MaterializationSummary, time.Duration) {}
func (noopObserver) ReminderSweepCompleted(ReminderSummary, time.Duration)         {}

// =============================================================================
// CLOCK
// =============================================================================

type Clock func() time.Time

// FixedClock returns a clock frozen at t. Advance moves it.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{now: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
