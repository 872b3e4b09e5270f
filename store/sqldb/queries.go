package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/dues-engine/dues"
)

// queries implements dues.Store over a connection or a transaction.
type queries struct {
	q queryer
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...)
	return res, classify(err)
}

func (s *queries) get(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	err := sqlx.GetContext(ctx, s.q, dest, s.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (s *queries) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	return classify(sqlx.SelectContext(ctx, s.q, dest, s.q.Rebind(query), args...))
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, name, email, status, role, veteran, joined_at`

func (s *queries) SaveMember(ctx context.Context, m dues.Member) error {
	_, err := s.exec(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			status = excluded.status,
			role = excluded.role,
			veteran = excluded.veteran,
			joined_at = excluded.joined_at`,
		m.ID, m.Name, m.Email, m.Status, m.Role, m.Veteran, utc(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (s *queries) GetMember(ctx context.Context, id dues.MemberID) (*dues.Member, error) {
	var row memberRow
	ok, err := s.get(ctx, &row, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	m := row.toMember()
	return &m, nil
}

func (s *queries) ListMembers(ctx context.Context) ([]dues.Member, error) {
	var rows []memberRow
	if err := s.selectRows(ctx, &rows, `SELECT `+memberColumns+` FROM members ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]dues.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMember())
	}
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

const duesTypeColumns = `id, code, name, description, base_amount, mandatory, has_beneficiary,
	display_order, active, created_at, updated_at`

func (s *queries) SaveDuesType(ctx context.Context, t dues.DuesType) error {
	_, err := s.exec(ctx, `
		INSERT INTO dues_types (`+duesTypeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			description = excluded.description,
			base_amount = excluded.base_amount,
			mandatory = excluded.mandatory,
			has_beneficiary = excluded.has_beneficiary,
			display_order = excluded.display_order,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		t.ID, t.Code, t.Name, t.Description, t.BaseAmount, t.Mandatory, t.HasBeneficiary,
		t.DisplayOrder, t.Active, utc(t.CreatedAt), utc(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save dues type: %w", err)
	}
	return nil
}

func (s *queries) GetDuesType(ctx context.Context, id dues.DuesTypeID) (*dues.DuesType, error) {
	var row duesTypeRow
	ok, err := s.get(ctx, &row, `SELECT `+duesTypeColumns+` FROM dues_types WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	t := row.toDuesType()
	return &t, nil
}

func (s *queries) ListDuesTypes(ctx context.Context) ([]dues.DuesType, error) {
	var rows []duesTypeRow
	if err := s.selectRows(ctx, &rows, `SELECT `+duesTypeColumns+` FROM dues_types ORDER BY display_order, name`); err != nil {
		return nil, err
	}
	out := make([]dues.DuesType, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDuesType())
	}
	return out, nil
}

// =============================================================================
// PLANS
// =============================================================================

const planColumns = `id, period, dues_type_id, amount, due_date, description, beneficiary_id,
	assistance_id, status, created_by, created_at, updated_at`

func (s *queries) InsertPlan(ctx context.Context, p dues.DuesPlan) error {
	_, err := s.exec(ctx, `
		INSERT INTO dues_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Period.String(), p.DuesTypeID, p.Amount, utc(p.DueDate), p.Description,
		nullMember(p.BeneficiaryID), nullAssistance(p.AssistanceID), p.Status, p.CreatedBy,
		utc(p.CreatedAt), utc(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

func (s *queries) UpdatePlan(ctx context.Context, p dues.DuesPlan) error {
	res, err := s.exec(ctx, `
		UPDATE dues_plans SET
			amount = ?, due_date = ?, description = ?, assistance_id = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		p.Amount, utc(p.DueDate), p.Description, nullAssistance(p.AssistanceID), p.Status,
		utc(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &dues.NotFoundError{Entity: "dues plan", ID: string(p.ID)}
	}
	return nil
}

func (s *queries) DeletePlan(ctx context.Context, id dues.PlanID) error {
	_, err := s.exec(ctx, `DELETE FROM dues_plans WHERE id = ?`, id)
	return err
}

func (s *queries) GetPlan(ctx context.Context, id dues.PlanID) (*dues.DuesPlan, error) {
	return s.getPlan(ctx, `SELECT `+planColumns+` FROM dues_plans WHERE id = ?`, id)
}

func (s *queries) FindFlatPlan(ctx context.Context, period dues.Period, typeID dues.DuesTypeID) (*dues.DuesPlan, error) {
	return s.getPlan(ctx, `
		SELECT `+planColumns+` FROM dues_plans
		WHERE period = ? AND dues_type_id = ? AND beneficiary_id IS NULL AND status <> 'cancelled'`,
		period.String(), typeID)
}

func (s *queries) FindBeneficiaryPlan(ctx context.Context, period dues.Period, beneficiary dues.MemberID) (*dues.DuesPlan, error) {
	return s.getPlan(ctx, `
		SELECT `+planColumns+` FROM dues_plans
		WHERE period = ? AND beneficiary_id = ? AND status <> 'cancelled'`,
		period.String(), beneficiary)
}

func (s *queries) getPlan(ctx context.Context, query string, args ...any) (*dues.DuesPlan, error) {
	var row planRow
	ok, err := s.get(ctx, &row, query, args...)
	if err != nil || !ok {
		return nil, err
	}
	p, err := row.toPlan()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) ListPlans(ctx context.Context, f dues.PlanFilter) ([]dues.DuesPlan, error) {
	var (
		where []string
		args  []any
	)
	if f.Period != nil {
		where = append(where, "period = ?")
		args = append(args, f.Period.String())
	}
	if f.DuesTypeID != nil {
		where = append(where, "dues_type_id = ?")
		args = append(args, *f.DuesTypeID)
	}
	if f.BeneficiaryID != nil {
		where = append(where, "beneficiary_id = ?")
		args = append(args, *f.BeneficiaryID)
	}
	if len(f.Statuses) > 0 {
		in, inArgs, err := sqlx.In("status IN (?)", f.Statuses)
		if err != nil {
			return nil, err
		}
		where = append(where, in)
		args = append(args, inArgs...)
	}

	query := `SELECT ` + planColumns + ` FROM dues_plans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period DESC, created_at`

	var rows []planRow
	if err := s.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]dues.DuesPlan, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPlan()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *queries) CountPlansByDuesType(ctx context.Context, typeID dues.DuesTypeID) (int, error) {
	var n int
	_, err := s.get(ctx, &n, `SELECT COUNT(*) FROM dues_plans WHERE dues_type_id = ?`, typeID)
	return n, err
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, plan_id, period, dues_type_id, member_id, amount_due, amount_paid,
	remaining, due_date, status, description, created_at, updated_at`

// UpsertCharges writes charges keyed by (plan_id, member_id). On conflict the
// stored id, amount_paid and created_at win. Callers compute Remaining from
// the AmountPaid they read in the same transaction.
func (s *queries) UpsertCharges(ctx context.Context, charges []dues.MemberCharge) error {
	for _, c := range charges {
		_, err := s.exec(ctx, `
			INSERT INTO member_charges (`+chargeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (plan_id, member_id) DO UPDATE SET
				period = excluded.period,
				dues_type_id = excluded.dues_type_id,
				amount_due = excluded.amount_due,
				remaining = excluded.remaining,
				due_date = excluded.due_date,
				status = excluded.status,
				description = excluded.description,
				updated_at = excluded.updated_at`,
			c.ID, c.PlanID, c.Period.String(), c.DuesTypeID, c.MemberID, c.AmountDue, c.AmountPaid,
			c.Remaining, utc(c.DueDate), c.Status, c.Description, utc(c.CreatedAt), utc(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert charge for member %s: %w", c.MemberID, err)
		}
	}
	return nil
}

func (s *queries) UpdateCharge(ctx context.Context, c dues.MemberCharge) error {
	res, err := s.exec(ctx, `
		UPDATE member_charges SET
			amount_due = ?, amount_paid = ?, remaining = ?, due_date = ?, status = ?,
			description = ?, updated_at = ?
		WHERE id = ?`,
		c.AmountDue, c.AmountPaid, c.Remaining, utc(c.DueDate), c.Status, c.Description,
		utc(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &dues.NotFoundError{Entity: "member charge", ID: string(c.ID)}
	}
	return nil
}

func (s *queries) GetCharge(ctx context.Context, id dues.ChargeID) (*dues.MemberCharge, error) {
	var row chargeRow
	ok, err := s.get(ctx, &row, `SELECT `+chargeColumns+` FROM member_charges WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	c, err := row.toCharge()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *queries) ListChargesByPlan(ctx context.Context, planID dues.PlanID) ([]dues.MemberCharge, error) {
	return s.listCharges(ctx, `SELECT `+chargeColumns+` FROM member_charges WHERE plan_id = ? ORDER BY created_at, id`, planID)
}

func (s *queries) ListChargesByMember(ctx context.Context, memberID dues.MemberID) ([]dues.MemberCharge, error) {
	return s.listCharges(ctx, `SELECT `+chargeColumns+` FROM member_charges WHERE member_id = ? ORDER BY created_at, id`, memberID)
}

func (s *queries) listCharges(ctx context.Context, query string, args ...any) ([]dues.MemberCharge, error) {
	var rows []chargeRow
	if err := s.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]dues.MemberCharge, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCharge()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *queries) CountChargesByPlan(ctx context.Context, planID dues.PlanID) (int, error) {
	var n int
	_, err := s.get(ctx, &n, `SELECT COUNT(*) FROM member_charges WHERE plan_id = ?`, planID)
	return n, err
}

func (s *queries) DeleteChargesByPlan(ctx context.Context, planID dues.PlanID) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM member_charges WHERE plan_id = ?`, planID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *queries) MarkOverdue(ctx context.Context, dueBefore, now time.Time) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE member_charges SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND due_date < ?`,
		dues.ChargeOverdue, utc(now), dues.ChargePending, dues.ChargePartiallyPaid, utc(dueBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue charges: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

const obligationColumns = `id, member_id, amount_expected, amount_paid, remaining, due_date, status,
	period_label, created_at, updated_at`

func (s *queries) SaveObligation(ctx context.Context, o dues.MembershipFeeObligation) error {
	_, err := s.exec(ctx, `
		INSERT INTO fee_obligations (`+obligationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount_expected = excluded.amount_expected,
			amount_paid = excluded.amount_paid,
			remaining = excluded.remaining,
			due_date = excluded.due_date,
			status = excluded.status,
			period_label = excluded.period_label,
			updated_at = excluded.updated_at`,
		o.ID, o.MemberID, o.AmountExpected, o.AmountPaid, o.Remaining, nullTime(o.DueDate), o.Status,
		o.PeriodLabel, utc(o.CreatedAt), utc(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save obligation: %w", err)
	}
	return nil
}

func (s *queries) GetObligation(ctx context.Context, id dues.ObligationID) (*dues.MembershipFeeObligation, error) {
	var row obligationRow
	ok, err := s.get(ctx, &row, `SELECT `+obligationColumns+` FROM fee_obligations WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	o := row.toObligation()
	return &o, nil
}

func (s *queries) ListObligationsByMember(ctx context.Context, memberID dues.MemberID) ([]dues.MembershipFeeObligation, error) {
	var rows []obligationRow
	if err := s.selectRows(ctx, &rows,
		`SELECT `+obligationColumns+` FROM fee_obligations WHERE member_id = ? ORDER BY created_at, id`, memberID); err != nil {
		return nil, err
	}
	out := make([]dues.MembershipFeeObligation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toObligation())
	}
	return out, nil
}

func (s *queries) DeleteObligation(ctx context.Context, id dues.ObligationID) error {
	_, err := s.exec(ctx, `DELETE FROM fee_obligations WHERE id = ?`, id)
	return err
}

// =============================================================================
// ASSISTANCE
// =============================================================================

const assistanceColumns = `id, beneficiary_id, event_type, amount, event_date, amount_paid, remaining,
	status, description, plan_id, created_by, created_at, updated_at`

func (s *queries) SaveAssistance(ctx context.Context, r dues.AssistanceRequest) error {
	_, err := s.exec(ctx, `
		INSERT INTO assistance (`+assistanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount,
			event_date = excluded.event_date,
			amount_paid = excluded.amount_paid,
			remaining = excluded.remaining,
			status = excluded.status,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		r.ID, r.BeneficiaryID, r.EventType, r.Amount, utc(r.EventDate), r.AmountPaid, r.Remaining,
		r.Status, r.Description, r.PlanID, r.CreatedBy, utc(r.CreatedAt), utc(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save assistance request: %w", err)
	}
	return nil
}

func (s *queries) GetAssistance(ctx context.Context, id dues.AssistanceID) (*dues.AssistanceRequest, error) {
	var row assistanceRow
	ok, err := s.get(ctx, &row, `SELECT `+assistanceColumns+` FROM assistance WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	r := row.toAssistance()
	return &r, nil
}

func (s *queries) DeleteAssistance(ctx context.Context, id dues.AssistanceID) error {
	_, err := s.exec(ctx, `DELETE FROM assistance WHERE id = ?`, id)
	return err
}

func (s *queries) ListAssistance(ctx context.Context, f dues.AssistanceFilter) ([]dues.AssistanceRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.BeneficiaryID != nil {
		where = append(where, "beneficiary_id = ?")
		args = append(args, *f.BeneficiaryID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	query := `SELECT ` + assistanceColumns + ` FROM assistance`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY event_date DESC, id`

	var rows []assistanceRow
	if err := s.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]dues.AssistanceRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAssistance())
	}
	return out, nil
}

// =============================================================================
// REMINDERS
// =============================================================================

const reminderColumns = `id, member_id, amount, channel, status, attempts, last_error, sent_at, created_at`

func (s *queries) SaveReminder(ctx context.Context, r dues.Reminder) error {
	_, err := s.exec(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			sent_at = excluded.sent_at`,
		r.ID, r.MemberID, r.Amount, r.Channel, r.Status, r.Attempts, r.LastError,
		nullTimePtr(r.SentAt), utc(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save reminder: %w", err)
	}
	return nil
}

func (s *queries) ListRemindersByMember(ctx context.Context, memberID dues.MemberID) ([]dues.Reminder, error) {
	var rows []reminderRow
	if err := s.selectRows(ctx, &rows,
		`SELECT `+reminderColumns+` FROM reminders WHERE member_id = ?`, memberID); err != nil {
		return nil, err
	}
	out := make([]dues.Reminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toReminder())
	}
	return out, nil
}

var _ dues.Store = (*queries)(nil)
