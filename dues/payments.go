package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// PAYMENTS - The second writer of charges and obligations
// =============================================================================

// Payments records money received. Each write runs in a transaction so it
// never interleaves with the propagator's rebase of the same row: both read
// AmountPaid to compute Remaining.
type Payments struct {
	store TxStore
	clock Clock
	log   *zap.Logger
}

func NewPayments(store TxStore, clock Clock, log *zap.Logger) *Payments {
	return &Payments{store: store, clock: clock, log: log}
}

// RecordChargePayment adds amount to the charge's paid total.
// Paid is capped at the amount due.
func (p *Payments) RecordChargePayment(ctx context.Context, id ChargeID, amount decimal.Decimal) (MemberCharge, error) {
	if !amount.IsPositive() {
		return MemberCharge{}, invalid("amount", "must be > 0, got %s", amount)
	}
	var out MemberCharge
	err := p.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return notFound("member charge", id)
		}
		if !c.Remaining.IsPositive() {
			return &ConflictError{
				Entity:     "member charge",
				ExistingID: string(id),
				Message:    fmt.Sprintf("member charge %s is already settled", id),
			}
		}
		c.AmountPaid = decimal.Min(c.AmountDue, c.AmountPaid.Add(amount))
		c.Rebase(c.AmountDue, p.clock())
		if err := s.UpdateCharge(ctx, *c); err != nil {
			return err
		}
		out = *c
		return nil
	})
	if err != nil {
		return MemberCharge{}, err
	}
	p.log.Info("charge payment recorded",
		zap.String("charge_id", string(id)),
		zap.String("member_id", string(out.MemberID)),
		zap.String("amount", amount.String()),
		zap.String("remaining", out.Remaining.String()))
	return out, nil
}

// RecordObligationPayment adds amount to the obligation's paid total.
// Paid is capped at the expected amount.
func (p *Payments) RecordObligationPayment(ctx context.Context, id ObligationID, amount decimal.Decimal) (MembershipFeeObligation, error) {
	if !amount.IsPositive() {
		return MembershipFeeObligation{}, invalid("amount", "must be > 0, got %s", amount)
	}
	var out MembershipFeeObligation
	err := p.store.WithTx(ctx, func(s Store) error {
		ob, err := s.GetObligation(ctx, id)
		if err != nil {
			return err
		}
		if ob == nil {
			return notFound("obligation", id)
		}
		if ob.Status == ObligationPaid {
			return &ConflictError{
				Entity:     "obligation",
				ExistingID: string(id),
				Message:    fmt.Sprintf("obligation %s is already settled", id),
			}
		}
		ob.AmountPaid = decimal.Min(ob.AmountExpected, ob.AmountPaid.Add(amount))
		ob.Remaining = Remaining(ob.AmountExpected, ob.AmountPaid)
		ob.Status = obligationStatusFor(ob.AmountExpected, ob.AmountPaid)
		ob.UpdatedAt = p.clock()
		if err := s.SaveObligation(ctx, *ob); err != nil {
			return err
		}
		out = *ob
		return nil
	})
	if err != nil {
		return MembershipFeeObligation{}, err
	}
	p.log.Info("obligation payment recorded",
		zap.String("obligation_id", string(id)),
		zap.String("member_id", string(out.MemberID)),
		zap.String("amount", amount.String()))
	return out, nil
}
