package matrix

import (
	"context"
	"fmt"

	"stagematrix/internal/stage"
)

// promote advances userID by one stage when the current stage counter is
// ready. Upline memberships waiting on this user's completion are qualified
// and their owners queued; the user is queued again so a counter that is
// already satisfied at the next stage resolves in the same run.
func (r *run) promote(ctx context.Context, userID string) (bool, error) {
	u, err := r.l.UserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	from := u.Stage
	to, ok := r.e.catalog.Next(from)
	if !ok {
		return false, nil
	}

	c, err := r.l.EnsureCounter(ctx, userID, from, r.e.catalog.Required(from))
	if err != nil {
		return false, fmt.Errorf("ensure counter: %w", err)
	}
	if !c.Ready() {
		return false, nil
	}
	marked, err := r.l.MarkCounterComplete(ctx, userID, from)
	if err != nil {
		return false, fmt.Errorf("complete counter: %w", err)
	}
	if !marked {
		return false, nil
	}

	if err := r.l.SetUserStage(ctx, userID, to); err != nil {
		return false, fmt.Errorf("set stage: %w", err)
	}
	if _, err := r.l.EnsureCounter(ctx, userID, to, r.e.catalog.Required(to)); err != nil {
		return false, fmt.Errorf("open %s counter: %w", to, err)
	}
	if err := r.l.AppendProgression(ctx, Progression{
		UserID:         userID,
		FromStage:      from,
		ToStage:        to,
		QualifiedCount: c.QualifiedSlotsFilled,
		CreatedAt:      r.now,
	}); err != nil {
		return false, fmt.Errorf("append progression: %w", err)
	}

	promo := Promotion{UserID: userID, FromStage: from, ToStage: to, QualifiedCount: c.QualifiedSlotsFilled}
	if from == stage.NoStage {
		released, err := r.releaseHeld(ctx, userID)
		if err != nil {
			return false, err
		}
		promo.ReleasedMicros = released
	}
	r.promotions = append(r.promotions, promo)
	r.event(Event{
		Type:           EventStagePromoted,
		UserID:         userID,
		FromStage:      from,
		ToStage:        to,
		Incentives:     r.e.catalog.Incentives(to),
		QualifiedCount: c.QualifiedSlotsFilled,
	})
	r.e.log.Info("stage promoted",
		"user_id", userID,
		"from", from.String(),
		"to", to.String(),
		"qualified", c.QualifiedSlotsFilled,
	)

	for _, gated := range r.e.catalog.GatedOn(from) {
		if err := r.cascade(ctx, userID, gated); err != nil {
			return false, err
		}
	}
	r.enqueue(userID)
	return true, nil
}

// cascade qualifies every membership in matrixStage matrices that was waiting
// for memberID to complete the stage it gates on, and bumps the owning
// counters. Rows only ever move from
// unqualified to qualified, so each is handled once.
func (r *run) cascade(ctx context.Context, memberID string, matrixStage stage.Stage) error {
	waiting, err := r.l.UnqualifiedMemberships(ctx, memberID, matrixStage)
	if err != nil {
		return fmt.Errorf("load waiting memberships: %w", err)
	}
	for _, m := range waiting {
		ok, err := r.l.QualifyMembership(ctx, m.OwnerID, m.Stage, memberID, r.now)
		if err != nil {
			return fmt.Errorf("qualify membership: %w", err)
		}
		if !ok {
			continue
		}
		if err := r.increment(ctx, m.OwnerID, m.Stage, 0, 1); err != nil {
			return err
		}
	}
	return nil
}
