package dues

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// MEMBERSHIP FEE OBLIGATIONS - One-time payables
// =============================================================================

type ObligationInput struct {
	MemberID    MemberID
	Amount      decimal.Decimal
	DueDate     time.Time
	PeriodLabel string
}

// VeteranResult reports what MarkVeteran did to the member's obligations.
type VeteranResult struct {
	Member  Member
	Removed []ObligationID
	Settled []ObligationID
}

type Obligations struct {
	store     TxStore
	directory MemberDirectory
	clock     Clock
	log       *zap.Logger
}

func NewObligations(store TxStore, directory MemberDirectory, clock Clock, log *zap.Logger) *Obligations {
	return &Obligations{store: store, directory: directory, clock: clock, log: log}
}

func (o *Obligations) Create(ctx context.Context, in ObligationInput) (MembershipFeeObligation, error) {
	if in.MemberID == "" {
		return MembershipFeeObligation{}, invalid("member_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return MembershipFeeObligation{}, invalid("amount", "must be > 0, got %s", in.Amount)
	}
	m, err := o.directory.GetMember(ctx, in.MemberID)
	if err != nil {
		return MembershipFeeObligation{}, err
	}
	if m == nil {
		return MembershipFeeObligation{}, notFound("member", in.MemberID)
	}

	now := o.clock()
	ob := MembershipFeeObligation{
		ID:             ObligationID(uuid.NewString()),
		MemberID:       in.MemberID,
		AmountExpected: in.Amount,
		AmountPaid:     decimal.Zero,
		Remaining:      in.Amount,
		DueDate:        in.DueDate,
		Status:         ObligationPending,
		PeriodLabel:    strings.TrimSpace(in.PeriodLabel),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.SaveObligation(ctx, ob); err != nil {
		return MembershipFeeObligation{}, err
	}
	return ob, nil
}

func (o *Obligations) ListByMember(ctx context.Context, memberID MemberID) ([]MembershipFeeObligation, error) {
	return o.store.ListObligationsByMember(ctx, memberID)
}

// MarkVeteran exempts a member from admission fees: obligations with nothing
// paid are removed, partially paid ones are closed at what was paid.
func (o *Obligations) MarkVeteran(ctx context.Context, memberID MemberID) (VeteranResult, error) {
	var res VeteranResult
	err := o.store.WithTx(ctx, func(s Store) error {
		m, err := s.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if m == nil {
			return notFound("member", memberID)
		}
		now := o.clock()
		if !m.Veteran {
			m.Veteran = true
			if err := s.SaveMember(ctx, *m); err != nil {
				return err
			}
		}
		res.Member = *m

		obligations, err := s.ListObligationsByMember(ctx, memberID)
		if err != nil {
			return err
		}
		for _, ob := range obligations {
			switch {
			case ob.Status == ObligationPaid:
				continue
			case !ob.AmountPaid.IsPositive():
				if err := s.DeleteObligation(ctx, ob.ID); err != nil {
					return err
				}
				res.Removed = append(res.Removed, ob.ID)
			default:
				ob.AmountExpected = ob.AmountPaid
				ob.Remaining = decimal.Zero
				ob.Status = ObligationPaid
				ob.UpdatedAt = now
				if err := s.SaveObligation(ctx, ob); err != nil {
					return err
				}
				res.Settled = append(res.Settled, ob.ID)
			}
		}
		return nil
	})
	if err != nil {
		return VeteranResult{}, err
	}
	o.log.Info("member marked veteran",
		zap.String("member_id", string(memberID)),
		zap.Int("obligations_removed", len(res.Removed)),
		zap.Int("obligations_settled", len(res.Settled)))
	return res, nil
}
