package dues

import "context"

// =============================================================================
// ACTOR - Identity/Access collaborator contract
// =============================================================================

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   MemberID
	Role Role
}

// SystemActor is used by scheduled sweeps.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

type actorKey struct{}

// WithActor attaches the current actor to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// CurrentActor returns the actor attached to ctx.
func CurrentActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.ID != ""
}

// AccessPolicy is the permission-lookup collaborator.
type AccessPolicy interface {
	CanWrite(ctx context.Context, actor Actor, operation string) (bool, error)
}

// RoleAccess grants writes to administrators and the system actor.
type RoleAccess struct{}

func (RoleAccess) CanWrite(_ context.Context, actor Actor, _ string) (bool, error) {
	return actor.Role == RoleAdmin || actor.Role == RoleSystem, nil
}

// Operation names used for permission checks.
const (
	OpCreateDuesType   = "dues_types.create"
	OpUpdateDuesType   = "dues_types.update"
	OpCreatePlan       = "plans.create"
	OpUpdatePlan       = "plans.update"
	OpDeletePlan       = "plans.delete"
	OpCancelPlan       = "plans.cancel"
	OpMaterializePlan  = "plans.materialize"
	OpCreateAssistance = "assistance.create"
	OpUpdateAssistance = "assistance.update"
	OpDeleteAssistance = "assistance.delete"
	OpCancelAssistance = "assistance.cancel"
	OpValidateAssist   = "assistance.validate"
	OpCreateObligation = "obligations.create"
	OpMarkVeteran      = "members.mark_veteran"
	OpSaveMember       = "members.save"
	OpRecordPayment    = "payments.record"
	OpMaterializeSweep = "sweeps.materialization"
	OpReminderSweep    = "sweeps.reminders"
)

func authorize(ctx context.Context, policy AccessPolicy, operation string) error {
	actor, ok := CurrentActor(ctx)
	if !ok {
		return &UnauthorizedError{Operation: operation}
	}
	allowed, err := policy.CanWrite(ctx, actor, operation)
	if err != nil {
		return err
	}
	if !allowed {
		return &UnauthorizedError{ActorID: actor.ID, Operation: operation}
	}
	return nil
}
