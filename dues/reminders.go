/*
reminders.go - Debt computation and reminder sweep

PURPOSE:
  Periodically scans members, computes what each one owes and emits a
  reminder when the debt crosses the threshold and the cooldown allows it.

RULES:
  debt      = sum(remaining) over charges and obligations that are
              pending, partially paid or overdue
  threshold = multiplier (3) x Catalog.StandardMonthlyAmount
  eligible  = debt > threshold                     (strictly greater)
  cooldown  = latest reminder At() is >= 30 days old, or none exists

  A pending reminder (dispatch failed last run) is retried before any new
  one is considered. If the member's debt has dropped to the threshold or
  below in the meantime, it is withdrawn instead. Withdrawn reminders were
  never sent and do not start a cooldown.

BATCH BEHAVIOUR:
  Members are processed independently with bounded parallelism and a
  per-member timeout. A member's failure is recorded in the summary and the
  sweep moves on.

  Notifier calls are throttled by a token bucket when a limiter is set.

SEE ALSO:
  - catalog.go: StandardMonthlyAmount
  - engine.go: RunReminderSweep
*/
package dues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type ReminderConfig struct {
	ThresholdMultiplier decimal.Decimal
	Cooldown            time.Duration
	MemberTimeout       time.Duration
	Concurrency         int
	Channel             Channel
	Limiter             *rate.Limiter // nil: unthrottled
}

func DefaultReminderConfig() ReminderConfig {
	return ReminderConfig{
		ThresholdMultiplier: decimal.NewFromInt(3),
		Cooldown:            30 * 24 * time.Hour,
		MemberTimeout:       10 * time.Second,
		Concurrency:         4,
		Channel:             ChannelEmail,
	}
}

// ReminderSummary is the outcome of one reminder sweep.
type ReminderSummary struct {
	RemindersSent            int             `json:"remindersSent"`
	RemindersSkippedCooldown int             `json:"remindersSkippedCooldown"`
	MembersScanned           int             `json:"membersScanned"`
	MembersBelowThreshold    int             `json:"membersBelowThreshold"`
	ChargesMarkedOverdue     int             `json:"chargesMarkedOverdue"`
	Threshold                decimal.Decimal `json:"threshold"`
	Failures                 []MemberFailure `json:"failures"`
}

type reminderOutcome int

const (
	outcomeBelowThreshold reminderOutcome = iota
	outcomeCooldown
	outcomeSent
)

type ReminderScheduler struct {
	store     Store
	catalog   *Catalog
	directory MemberDirectory
	notifier  Notifier
	cfg       ReminderConfig
	clock     Clock
	log       *zap.Logger
}

func NewReminderScheduler(store Store, catalog *Catalog, directory MemberDirectory, notifier Notifier, cfg ReminderConfig, clock Clock, log *zap.Logger) *ReminderScheduler {
	def := DefaultReminderConfig()
	if !cfg.ThresholdMultiplier.IsPositive() {
		cfg.ThresholdMultiplier = def.ThresholdMultiplier
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MemberTimeout <= 0 {
		cfg.MemberTimeout = def.MemberTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	return &ReminderScheduler{
		store:     store,
		catalog:   catalog,
		directory: directory,
		notifier:  notifier,
		cfg:       cfg,
		clock:     clock,
		log:       log,
	}
}

// =============================================================================
// DEBT
// =============================================================================

// ComputeOutstandingDebt sums what the member still owes.
func (r *ReminderScheduler) ComputeOutstandingDebt(ctx context.Context, memberID MemberID) (decimal.Decimal, error) {
	total := decimal.Zero

	charges, err := r.store.ListChargesByMember(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, c := range charges {
		switch c.Status {
		case ChargePending, ChargePartiallyPaid, ChargeOverdue:
			total = total.Add(c.Remaining)
		}
	}

	obligations, err := r.store.ListObligationsByMember(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, o := range obligations {
		switch o.Status {
		case ObligationPending, ObligationPartiallyPaid:
			total = total.Add(o.Remaining)
		}
	}
	return total, nil
}

// Threshold returns the debt a member must exceed to be reminded.
func (r *ReminderScheduler) Threshold(ctx context.Context) (decimal.Decimal, error) {
	standard, err := r.catalog.StandardMonthlyAmount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return r.cfg.ThresholdMultiplier.Mul(standard), nil
}

// IsReminderEligible reports whether debt is strictly above threshold.
func IsReminderEligible(debt, threshold decimal.Decimal) bool {
	return debt.GreaterThan(threshold)
}

// Reminders returns the member's reminders, most recent first.
func (r *ReminderScheduler) Reminders(ctx context.Context, memberID MemberID) ([]Reminder, error) {
	rs, err := r.store.ListRemindersByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	SortRemindersNewestFirst(rs)
	return rs, nil
}

// SortRemindersNewestFirst orders reminders by At() descending, ID as tiebreak.
func SortRemindersNewestFirst(rs []Reminder) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].At(), rs[j].At()
		if !a.Equal(b) {
			return a.After(b)
		}
		return rs[i].ID > rs[j].ID
	})
}

// =============================================================================
// SWEEP
// =============================================================================

// Run executes one reminder sweep.
func (r *ReminderScheduler) Run(ctx context.Context) (ReminderSummary, error) {
	now := r.clock()
	var sum ReminderSummary

	marked, err := r.store.MarkOverdue(ctx, OverdueCutoff(now), now)
	if err != nil {
		return sum, fmt.Errorf("mark overdue charges: %w", err)
	}
	sum.ChargesMarkedOverdue = marked

	// Another node may have edited the standard dues type.
	r.catalog.Invalidate()
	threshold, err := r.Threshold(ctx)
	if err != nil {
		return sum, err
	}
	sum.Threshold = threshold

	members, err := r.directory.ListActiveMembers(ctx)
	if err != nil {
		return sum, err
	}
	sum.MembersScanned = len(members)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, m := range members {
		m := m
		g.Go(func() error {
			outcome, err := r.processMember(gctx, m.ID, threshold)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failures = append(sum.Failures, MemberFailure{MemberID: m.ID, Reason: err.Error()})
				r.log.Warn("reminder failed", zap.String("member_id", string(m.ID)), zap.Error(err))
				return nil
			}
			switch outcome {
			case outcomeSent:
				sum.RemindersSent++
			case outcomeCooldown:
				sum.RemindersSkippedCooldown++
			case outcomeBelowThreshold:
				sum.MembersBelowThreshold++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(sum.Failures, func(i, j int) bool { return sum.Failures[i].MemberID < sum.Failures[j].MemberID })
	if sum.Failures == nil {
		sum.Failures = []MemberFailure{}
	}

	r.log.Info("reminder sweep completed",
		zap.Int("members_scanned", sum.MembersScanned),
		zap.Int("reminders_sent", sum.RemindersSent),
		zap.Int("skipped_cooldown", sum.RemindersSkippedCooldown),
		zap.Int("failures", len(sum.Failures)),
		zap.String("threshold", threshold.String()))
	return sum, ctx.Err()
}

func (r *ReminderScheduler) processMember(ctx context.Context, memberID MemberID, threshold decimal.Decimal) (reminderOutcome, error) {
	mctx, cancel := context.WithTimeout(ctx, r.cfg.MemberTimeout)
	defer cancel()

	debt, err := r.ComputeOutstandingDebt(mctx, memberID)
	if err != nil {
		return 0, err
	}
	if err := mctx.Err(); err != nil {
		return 0, timeoutErr(err)
	}
	history, err := r.Reminders(mctx, memberID)
	if err != nil {
		return 0, err
	}
	latest, hasLatest := latestReminder(history)

	if !IsReminderEligible(debt, threshold) {
		if hasLatest && latest.Status == ReminderPending {
			latest.Status = ReminderWithdrawn
			latest.Amount = debt
			latest.LastError = ""
			if err := r.store.SaveReminder(context.WithoutCancel(mctx), latest); err != nil {
				return 0, err
			}
			r.log.Info("pending reminder withdrawn",
				zap.String("member_id", string(memberID)),
				zap.String("reminder_id", string(latest.ID)),
				zap.String("debt", debt.String()))
		}
		return outcomeBelowThreshold, nil
	}

	now := r.clock()
	var rem Reminder
	switch {
	case hasLatest && latest.Status == ReminderPending:
		rem = latest
		rem.Amount = debt
	case hasLatest && now.Sub(latest.At()) < r.cfg.Cooldown:
		return outcomeCooldown, nil
	default:
		rem = Reminder{
			ID:        ReminderID(uuid.NewString()),
			MemberID:  memberID,
			Amount:    debt,
			Channel:   r.cfg.Channel,
			Status:    ReminderPending,
			CreatedAt: now,
		}
		if err := r.store.SaveReminder(mctx, rem); err != nil {
			return 0, err
		}
	}

	dispatched, derr := r.dispatch(mctx, rem)
	rem.Attempts++
	if derr == nil && !dispatched {
		derr = errors.New("notification not dispatched")
	}
	if derr != nil {
		rem.LastError = derr.Error()
		// Bookkeeping must survive the member timeout.
		if err := r.store.SaveReminder(context.WithoutCancel(mctx), rem); err != nil {
			return 0, errors.Join(derr, err)
		}
		if mctx.Err() != nil {
			return 0, timeoutErr(derr)
		}
		return 0, derr
	}

	sentAt := r.clock()
	rem.Status = ReminderSent
	rem.SentAt = &sentAt
	rem.LastError = ""
	if err := r.store.SaveReminder(context.WithoutCancel(mctx), rem); err != nil {
		return 0, err
	}
	return outcomeSent, nil
}

// latestReminder returns the newest reminder that counts for the cooldown.
// history must be sorted newest first.
func latestReminder(history []Reminder) (Reminder, bool) {
	for _, rem := range history {
		if rem.Status != ReminderWithdrawn {
			return rem, true
		}
	}
	return Reminder{}, false
}

func (r *ReminderScheduler) dispatch(ctx context.Context, rem Reminder) (bool, error) {
	if r.cfg.Limiter != nil {
		if err := r.cfg.Limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	subject := "Outstanding dues reminder"
	body := fmt.Sprintf("Your outstanding balance is %s. Please settle your dues at your earliest convenience.",
		rem.Amount.StringFixed(2))
	return r.notifier.Notify(ctx, rem.MemberID, rem.Channel, subject, body)
}

func timeoutErr(err error) error {
	return fmt.Errorf("member processing timed out: %w", err)
}
